// Package wirefmt 提供不依赖生成代码的 protobuf 字段读写辅助。
package wirefmt

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed 表示载荷不是合法的 protobuf 编码。
var ErrMalformed = errors.New("malformed protobuf payload")

// Reader 顺序读取 protobuf 字段。
type Reader struct {
	b []byte
}

// NewReader 基于原始字节创建 Reader。
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Done 判断是否已读完。
func (r *Reader) Done() bool {
	return len(r.b) == 0
}

// Next 读取下一个字段的编号与类型。
func (r *Reader) Next() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return num, typ, nil
}

// Varint 读取 varint 字段值。
func (r *Reader) Varint(num protowire.Number, typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d: want varint, got wire type %d", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

// Bytes 读取 length-delimited 字段值，返回的切片引用原始缓冲区。
func (r *Reader) Bytes(num protowire.Number, typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d: want bytes, got wire type %d", ErrMalformed, num, typ)
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

// CopyBytes 读取 length-delimited 字段并复制。
func (r *Reader) CopyBytes(num protowire.Number, typ protowire.Type) ([]byte, error) {
	v, err := r.Bytes(num, typ)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// String 读取字符串字段。
func (r *Reader) String(num protowire.Number, typ protowire.Type) (string, error) {
	v, err := r.Bytes(num, typ)
	return string(v), err
}

// Skip 跳过未知字段。
func (r *Reader) Skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return nil
}

// AppendVarint 写入非零 varint 字段。
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool 写入 true 的布尔字段。
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}

// AppendBytes 写入非空 bytes 字段。
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString 写入非空字符串字段。
func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendMessage 写入嵌套消息，空消息同样写出以保留 repeated 元素个数。
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// AppendRepeatedBytes 写入 repeated bytes 元素，空元素同样写出。
func AppendRepeatedBytes(b []byte, num protowire.Number, v []byte) []byte {
	return AppendMessage(b, num, v)
}
