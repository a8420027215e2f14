// Package utxoproto 编解码 UTXO 链的签名输入、交易规划与签名输出。
//
// 字段编号与 docs/api/proto/anysigner.proto 保持一致，未知字段会被跳过。
package utxoproto

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/aegis-sign/anysigner/internal/planner"
	"github.com/aegis-sign/anysigner/internal/wirefmt"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

// ErrMalformed 表示载荷不是合法的 protobuf 编码。
var ErrMalformed = wirefmt.ErrMalformed

// SigningInput 是 UTXO 链 Sign/Plan 的输入。
type SigningInput struct {
	ByteFee       int64
	ChangeAddress string
	Outputs       []planner.Output
	UTXOs         []planner.UnspentOutput
	UseMaxAmount  bool
	PrivateKeys   [][]byte
}

// SigningOutput 是 UTXO 链 Sign 的输出，规划失败时 Error 非空。
type SigningOutput struct {
	Encoded       []byte
	TransactionID string
	Error         apierrors.Code
}

// PlanRequest 将签名输入转换为规划请求，手续费模型与 dust 由调用方提供。
func (in SigningInput) PlanRequest(fee planner.FeeEstimator, dust int64) planner.Request {
	return planner.Request{
		UTXOs:         in.UTXOs,
		Outputs:       in.Outputs,
		ChangeAddress: in.ChangeAddress,
		UseMax:        in.UseMaxAmount,
		DustThreshold: dust,
		Fee:           fee,
	}
}

// Marshal 编码签名输入。
func (in SigningInput) Marshal() []byte {
	var b []byte
	b = wirefmt.AppendVarint(b, 1, uint64(in.ByteFee))
	b = wirefmt.AppendString(b, 2, in.ChangeAddress)
	for _, out := range in.Outputs {
		b = wirefmt.AppendMessage(b, 3, marshalOutput(out))
	}
	for _, u := range in.UTXOs {
		b = wirefmt.AppendMessage(b, 4, marshalUTXO(u))
	}
	b = wirefmt.AppendBool(b, 5, in.UseMaxAmount)
	for _, key := range in.PrivateKeys {
		b = wirefmt.AppendRepeatedBytes(b, 6, key)
	}
	return b
}

// UnmarshalSigningInput 解码签名输入。
func UnmarshalSigningInput(data []byte) (SigningInput, error) {
	var in SigningInput
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return SigningInput{}, err
		}
		switch num {
		case 1:
			v, err := r.Varint(num, typ)
			if err != nil {
				return SigningInput{}, err
			}
			in.ByteFee = int64(v)
		case 2:
			if in.ChangeAddress, err = r.String(num, typ); err != nil {
				return SigningInput{}, err
			}
		case 3:
			raw, err := r.Bytes(num, typ)
			if err != nil {
				return SigningInput{}, err
			}
			out, err := unmarshalOutput(raw)
			if err != nil {
				return SigningInput{}, err
			}
			in.Outputs = append(in.Outputs, out)
		case 4:
			raw, err := r.Bytes(num, typ)
			if err != nil {
				return SigningInput{}, err
			}
			u, err := unmarshalUTXO(raw)
			if err != nil {
				return SigningInput{}, err
			}
			in.UTXOs = append(in.UTXOs, u)
		case 5:
			v, err := r.Varint(num, typ)
			if err != nil {
				return SigningInput{}, err
			}
			in.UseMaxAmount = v != 0
		case 6:
			key, err := r.CopyBytes(num, typ)
			if err != nil {
				return SigningInput{}, err
			}
			in.PrivateKeys = append(in.PrivateKeys, key)
		default:
			if err := r.Skip(num, typ); err != nil {
				return SigningInput{}, err
			}
		}
	}
	return in, nil
}

// EncodePlan 编码交易规划。
func EncodePlan(p planner.Plan) []byte {
	var b []byte
	for _, u := range p.Inputs {
		b = wirefmt.AppendMessage(b, 1, marshalUTXO(u))
	}
	for _, out := range p.Outputs {
		b = wirefmt.AppendMessage(b, 2, marshalOutput(out))
	}
	if p.Change != nil {
		b = wirefmt.AppendMessage(b, 3, marshalOutput(*p.Change))
	}
	b = wirefmt.AppendVarint(b, 4, uint64(p.Fee))
	b = wirefmt.AppendString(b, 5, string(p.Error))
	return b
}

// DecodePlan 解码交易规划。
func DecodePlan(data []byte) (planner.Plan, error) {
	var p planner.Plan
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return planner.Plan{}, err
		}
		switch num {
		case 1:
			raw, err := r.Bytes(num, typ)
			if err != nil {
				return planner.Plan{}, err
			}
			u, err := unmarshalUTXO(raw)
			if err != nil {
				return planner.Plan{}, err
			}
			p.Inputs = append(p.Inputs, u)
		case 2, 3:
			raw, err := r.Bytes(num, typ)
			if err != nil {
				return planner.Plan{}, err
			}
			out, err := unmarshalOutput(raw)
			if err != nil {
				return planner.Plan{}, err
			}
			if num == 2 {
				p.Outputs = append(p.Outputs, out)
			} else {
				p.Change = &out
			}
		case 4:
			v, err := r.Varint(num, typ)
			if err != nil {
				return planner.Plan{}, err
			}
			p.Fee = int64(v)
		case 5:
			code, err := r.String(num, typ)
			if err != nil {
				return planner.Plan{}, err
			}
			p.Error = apierrors.Code(code)
		default:
			if err := r.Skip(num, typ); err != nil {
				return planner.Plan{}, err
			}
		}
	}
	return p, nil
}

// Marshal 编码签名输出。
func (o SigningOutput) Marshal() []byte {
	var b []byte
	b = wirefmt.AppendBytes(b, 1, o.Encoded)
	b = wirefmt.AppendString(b, 2, o.TransactionID)
	b = wirefmt.AppendString(b, 3, string(o.Error))
	return b
}

// UnmarshalSigningOutput 解码签名输出。
func UnmarshalSigningOutput(data []byte) (SigningOutput, error) {
	var o SigningOutput
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return SigningOutput{}, err
		}
		switch num {
		case 1:
			if o.Encoded, err = r.CopyBytes(num, typ); err != nil {
				return SigningOutput{}, err
			}
		case 2:
			if o.TransactionID, err = r.String(num, typ); err != nil {
				return SigningOutput{}, err
			}
		case 3:
			code, err := r.String(num, typ)
			if err != nil {
				return SigningOutput{}, err
			}
			o.Error = apierrors.Code(code)
		default:
			if err := r.Skip(num, typ); err != nil {
				return SigningOutput{}, err
			}
		}
	}
	return o, nil
}

func marshalOutput(out planner.Output) []byte {
	var b []byte
	b = wirefmt.AppendVarint(b, 1, uint64(out.Amount))
	b = wirefmt.AppendString(b, 2, out.Address)
	return b
}

func unmarshalOutput(data []byte) (planner.Output, error) {
	var out planner.Output
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return planner.Output{}, err
		}
		switch num {
		case 1:
			v, err := r.Varint(num, typ)
			if err != nil {
				return planner.Output{}, err
			}
			out.Amount = int64(v)
		case 2:
			if out.Address, err = r.String(num, typ); err != nil {
				return planner.Output{}, err
			}
		default:
			if err := r.Skip(num, typ); err != nil {
				return planner.Output{}, err
			}
		}
	}
	return out, nil
}

func marshalUTXO(u planner.UnspentOutput) []byte {
	var b []byte
	b = wirefmt.AppendBytes(b, 1, u.OutPoint.Hash[:])
	b = wirefmt.AppendVarint(b, 2, uint64(u.OutPoint.Index))
	b = wirefmt.AppendVarint(b, 3, uint64(u.Amount))
	b = wirefmt.AppendBytes(b, 4, u.Script)
	return b
}

func unmarshalUTXO(data []byte) (planner.UnspentOutput, error) {
	var u planner.UnspentOutput
	r := wirefmt.NewReader(data)
	for !r.Done() {
		num, typ, err := r.Next()
		if err != nil {
			return planner.UnspentOutput{}, err
		}
		switch num {
		case 1:
			raw, err := r.Bytes(num, typ)
			if err != nil {
				return planner.UnspentOutput{}, err
			}
			hash, err := chainhash.NewHash(raw)
			if err != nil {
				return planner.UnspentOutput{}, fmt.Errorf("%w: tx hash: %v", ErrMalformed, err)
			}
			u.OutPoint = wire.OutPoint{Hash: *hash, Index: u.OutPoint.Index}
		case 2:
			v, err := r.Varint(num, typ)
			if err != nil {
				return planner.UnspentOutput{}, err
			}
			if v > 0xffffffff {
				return planner.UnspentOutput{}, fmt.Errorf("%w: output index overflows uint32", ErrMalformed)
			}
			u.OutPoint.Index = uint32(v)
		case 3:
			v, err := r.Varint(num, typ)
			if err != nil {
				return planner.UnspentOutput{}, err
			}
			u.Amount = int64(v)
		case 4:
			if u.Script, err = r.CopyBytes(num, typ); err != nil {
				return planner.UnspentOutput{}, err
			}
		default:
			if err := r.Skip(num, typ); err != nil {
				return planner.UnspentOutput{}, err
			}
		}
	}
	return u, nil
}
