package tests

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

func loadOpenAPI(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "openapi.yaml"))
	if err != nil {
		t.Fatalf("read openapi: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func schemas(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	return doc["components"].(map[string]any)["schemas"].(map[string]any)
}

func TestSignRequestPayloadSchema(t *testing.T) {
	s := schemas(t, loadOpenAPI(t))
	signRequest := s["SignRequest"].(map[string]any)
	props := signRequest["properties"].(map[string]any)
	input := props["input"].(map[string]any)
	variants, ok := input["oneOf"].([]any)
	if !ok || len(variants) != 2 {
		t.Fatalf("input.oneOf expects 2 variants, got %v", len(variants))
	}
	if s["HexPayload"].(map[string]any)["pattern"] == nil {
		t.Fatal("HexPayload must include pattern")
	}
	base64Payload := s["Base64Payload"].(map[string]any)
	if base64Payload["minLength"] == nil || base64Payload["maxLength"] == nil {
		t.Fatal("Base64Payload must bound length")
	}
}

func TestErrorCodesDocumented(t *testing.T) {
	s := schemas(t, loadOpenAPI(t))
	enum := s["ErrorCode"].(map[string]any)["enum"].([]any)
	documented := make(map[string]bool, len(enum))
	for _, v := range enum {
		documented[v.(string)] = true
	}
	for _, code := range []apierrors.Code{
		apierrors.CodeUnknownCoin,
		apierrors.CodeUnsupportedOperation,
		apierrors.CodeInvalidInput,
		apierrors.CodeInsufficientFunds,
		apierrors.CodeInvalidUTXO,
		apierrors.CodeInternalSigningError,
		apierrors.CodeRetryLater,
	} {
		if !documented[string(code)] {
			t.Fatalf("error code %s missing from ErrorCode enum", code)
		}
	}
}

func TestRequestIdHeaderExists(t *testing.T) {
	doc := loadOpenAPI(t)
	params := doc["components"].(map[string]any)["parameters"].(map[string]any)
	if _, ok := params["RequestId"]; !ok {
		t.Fatal("RequestId header missing")
	}
}

func TestSignDocumentsUnknownCoin(t *testing.T) {
	doc := loadOpenAPI(t)
	paths := doc["paths"].(map[string]any)
	for _, path := range []string{"/v1/sign", "/v1/sign-json", "/v1/plan"} {
		post := paths[path].(map[string]any)["post"].(map[string]any)
		responses := post["responses"].(map[string]any)
		for _, status := range []string{"404", "501"} {
			if _, ok := responses[status]; !ok {
				t.Fatalf("%s must document %s", path, status)
			}
		}
	}
}
