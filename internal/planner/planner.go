// Package planner 实现 UTXO 链的选币与找零规划。
//
// 选币策略为按金额降序的贪心累加，找零低于 dust 时并入手续费。规划失败不返回 Go error，
// 而是写入 Plan.Error，调用方可以原样回传给客户端。
package planner

import (
	"math"
	"sort"

	"github.com/btcsuite/btcd/wire"

	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

// UnspentOutput 是一笔可花费的输出。
type UnspentOutput struct {
	OutPoint wire.OutPoint
	Amount   int64
	Script   []byte
}

// Output 是一笔付款目标。
type Output struct {
	Amount  int64
	Address string
}

// Plan 是规划结果；Error 非空时其余字段为空。
type Plan struct {
	Inputs  []UnspentOutput
	Outputs []Output
	Change  *Output
	Fee     int64
	Error   apierrors.Code
}

// InputTotal 返回所选输入金额之和。
func (p Plan) InputTotal() int64 {
	var total int64
	for _, in := range p.Inputs {
		total += in.Amount
	}
	return total
}

// OutputTotal 返回付款与找零金额之和。
func (p Plan) OutputTotal() int64 {
	var total int64
	for _, out := range p.Outputs {
		total += out.Amount
	}
	if p.Change != nil {
		total += p.Change.Amount
	}
	return total
}

// Request 描述一次规划请求。
type Request struct {
	UTXOs         []UnspentOutput
	Outputs       []Output
	ChangeAddress string
	// UseMax 为 true 时花费全部 UTXO，Outputs 只能有一项且金额被忽略。
	UseMax        bool
	DustThreshold int64
	Fee           FeeEstimator
}

func failed(code apierrors.Code) Plan {
	return Plan{Error: code}
}

// Build 根据请求计算交易规划，不修改请求中的切片。
func Build(req Request) Plan {
	if code := validate(req); code != "" {
		return failed(code)
	}

	candidates := make([]UnspentOutput, len(req.UTXOs))
	copy(candidates, req.UTXOs)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Amount > candidates[j].Amount
	})

	if req.UseMax {
		return buildMax(req, candidates)
	}
	return buildTarget(req, candidates)
}

func buildMax(req Request, candidates []UnspentOutput) Plan {
	if len(candidates) == 0 {
		return failed(apierrors.CodeInsufficientFunds)
	}
	total := sumUTXOs(candidates)
	fee := req.Fee.Fee(len(candidates), 1)
	amount := total - fee
	if fee < 0 || amount <= 0 || amount < req.DustThreshold {
		return failed(apierrors.CodeInsufficientFunds)
	}
	return Plan{
		Inputs:  candidates,
		Outputs: []Output{{Amount: amount, Address: req.Outputs[0].Address}},
		Fee:     fee,
	}
}

func buildTarget(req Request, candidates []UnspentOutput) Plan {
	target := sumOutputs(req.Outputs)
	outputs := make([]Output, len(req.Outputs))
	copy(outputs, req.Outputs)
	withChange := len(outputs) + 1

	var acc int64
	for i, utxo := range candidates {
		acc += utxo.Amount
		fee := req.Fee.Fee(i+1, withChange)
		if fee < 0 {
			return failed(apierrors.CodeInvalidInput)
		}
		// acc 与 target 均不超过 MaxInt64，差值比较不会溢出。
		if acc-target < fee {
			continue
		}
		plan := Plan{Inputs: candidates[: i+1 : i+1], Outputs: outputs, Fee: fee}
		leftover := acc - target - fee
		switch {
		case leftover == 0:
		case leftover < req.DustThreshold:
			plan.Fee += leftover
		default:
			plan.Change = &Output{Amount: leftover, Address: req.ChangeAddress}
		}
		return plan
	}

	// 没有任何前缀能覆盖带找零的手续费时，退化为无找零交易，剩余部分并入手续费。
	acc = 0
	for i, utxo := range candidates {
		acc += utxo.Amount
		fee := req.Fee.Fee(i+1, len(outputs))
		if fee >= 0 && acc-target >= fee {
			return Plan{Inputs: candidates[: i+1 : i+1], Outputs: outputs, Fee: acc - target}
		}
	}
	return failed(apierrors.CodeInsufficientFunds)
}

func validate(req Request) apierrors.Code {
	if req.Fee == nil || req.DustThreshold < 0 {
		return apierrors.CodeInvalidInput
	}
	if req.UseMax {
		if len(req.Outputs) != 1 || req.Outputs[0].Address == "" {
			return apierrors.CodeInvalidInput
		}
	} else {
		if len(req.Outputs) == 0 {
			return apierrors.CodeInvalidInput
		}
		var total int64
		for _, out := range req.Outputs {
			if out.Amount <= 0 || out.Address == "" || out.Amount > math.MaxInt64-total {
				return apierrors.CodeInvalidInput
			}
			total += out.Amount
		}
		if req.ChangeAddress == "" {
			return apierrors.CodeInvalidInput
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(req.UTXOs))
	var total int64
	for _, utxo := range req.UTXOs {
		if utxo.Amount <= 0 {
			return apierrors.CodeInvalidUTXO
		}
		if _, dup := seen[utxo.OutPoint]; dup {
			return apierrors.CodeInvalidUTXO
		}
		seen[utxo.OutPoint] = struct{}{}
		if utxo.Amount > math.MaxInt64-total {
			return apierrors.CodeInvalidInput
		}
		total += utxo.Amount
	}
	return ""
}

func sumUTXOs(utxos []UnspentOutput) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Amount
	}
	return total
}

func sumOutputs(outputs []Output) int64 {
	var total int64
	for _, o := range outputs {
		total += o.Amount
	}
	return total
}
