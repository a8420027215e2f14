package planner

import "math"

// FeeEstimator 根据输入输出数量估算手续费，要求对两个参数单调不减。
type FeeEstimator interface {
	Fee(inputs, outputs int) int64
}

// FeeFunc 允许普通函数实现 FeeEstimator。
type FeeFunc func(inputs, outputs int) int64

// Fee 实现 FeeEstimator。
func (f FeeFunc) Fee(inputs, outputs int) int64 {
	return f(inputs, outputs)
}

// P2PKH 交易的近似字节数，用于没有链专属估算器时的默认模型。
const (
	baseTxSize   = 10
	p2pkhInSize  = 148
	p2pkhOutSize = 34
)

// LinearFee 按 P2PKH 近似体积乘以每字节费率估算手续费。
type LinearFee struct {
	ByteFee int64
}

// Fee 实现 FeeEstimator。
func (l LinearFee) Fee(inputs, outputs int) int64 {
	return SizeFee(int64(baseTxSize+p2pkhInSize*inputs+p2pkhOutSize*outputs), l.ByteFee)
}

// SizeFee 返回 size*byteFee，乘积溢出时饱和到 int64 边界。
func SizeFee(size, byteFee int64) int64 {
	if size <= 0 {
		return 0
	}
	switch {
	case byteFee > math.MaxInt64/size:
		return math.MaxInt64
	case byteFee < math.MinInt64/size:
		return math.MinInt64
	}
	return size * byteFee
}
