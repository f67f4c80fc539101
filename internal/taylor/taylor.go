// Package taylor 实现相位 Taylor 系数在参考历元之间的平移。
package taylor

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"cwsearch/pkg/contract"
)

// Matrix 返回 n×n 平移矩阵：上三角，(i,j) = dT^(j-i)/(j-i)!；
// 第 0 行 (j>0) 额外乘以 2π（相位以弧度计，频率以 Hz 计）。
func Matrix(n int, dT float64) *mat.Dense {
	if n < 1 {
		n = 1
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		term := 1.0
		m.Set(i, i, 1)
		for j := i + 1; j < n; j++ {
			term = term * dT / float64(j-i)
			m.Set(i, j, term)
		}
	}
	for j := 1; j < n; j++ {
		m.Set(0, j, 2*math.Pi*m.At(0, j))
	}
	return m
}

// Shift 将参考历元 t 处的系数向量平移到 t+dT。
// dT 为 0 时原样返回副本（不经矩阵乘法，保证逐位相等）。NaN/Inf 按乘法自然传播。
func Shift(theta contract.ParameterVector, dT float64) contract.ParameterVector {
	if len(theta) == 0 {
		return contract.ParameterVector{}
	}
	if dT == 0 {
		return theta.Clone()
	}
	n := len(theta)
	x := mat.NewVecDense(n, []float64(theta.Clone()))
	var y mat.VecDense
	y.MulVec(Matrix(n, dT), x)
	out := make(contract.ParameterVector, n)
	for i := 0; i < n; i++ {
		out[i] = y.AtVec(i)
	}
	return out
}
