package helper

import "math"

// Diff — первые разности одномерного ряда.
func Diff(source []float64) []float64 {
	result := make([]float64, 0, len(source))
	for i := 1; i < len(source); i++ {
		result = append(result, source[i]-source[i-1])
	}
	return result
}

func Mean(source []float64) float64 {
	if len(source) == 0 {
		return 0
	}
	var sum float64
	for _, v := range source {
		sum += v
	}
	return sum / float64(len(source))
}

// StdDev — популяционное стандартное отклонение.
func StdDev(source []float64) float64 {
	if len(source) == 0 {
		return 0
	}
	mean := Mean(source)
	var sum float64
	for _, v := range source {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(source)))
}

// MovingAverage — простое скользящее среднее. Первые window элементов
// результата равны 0.0, каждое значение считается по окну ДО текущего индекса.
func MovingAverage(source []float64, window int) []float64 {
	result := make([]float64, len(source))
	for i := window; i < len(source); i++ {
		var sum float64
		for _, v := range source[i-window : i] {
			sum += v
		}
		result[i] = sum / float64(window)
	}
	return result
}

// ExponentialMovingAverage — EMA, затравка из SMA предыдущего окна.
// Первые 2*window элементов результата равны 0.0.
func ExponentialMovingAverage(source []float64, window int) []float64 {
	result := make([]float64, len(source))
	c := 2.0 / float64(window+1)

	for i := 2 * window; i < len(source); i++ {
		ema := Mean(source[i-2*window : i-window])
		for _, v := range source[i-window : i] {
			ema = c*v + (1-c)*ema
		}
		result[i] = ema
	}
	return result
}

// EMAStep — один шаг EMA для инкрементального обновления.
func EMAStep(source []float64, window int, index int) float64 {
	c := 2.0 / float64(window+1)
	ema := Mean(source[index-2*window : index-window])
	for _, v := range source[index-window : index] {
		ema = c*v + (1-c)*ema
	}
	return ema
}

// NormSlopeAvg — нормализованный средний наклон ряда. norm == 0 означает
// нормализацию по первому элементу.
func NormSlopeAvg(source []float64, norm float64) float64 {
	if len(source) == 0 {
		return 0
	}
	if norm == 0 {
		norm = source[0]
	}

	var delta float64
	for i := 1; i < len(source); i++ {
		delta += (source[i] - source[i-1]) / norm
	}
	if len(source) > 1 {
		return delta / float64(len(source)-1)
	}
	return delta
}

// CurvatureAvg — кривизна ряда как разность средних наклонов половин.
// < 0 для выпуклого ряда, > 0 для вогнутого. Обе половины нормализуются
// одним значением.
func CurvatureAvg(source []float64, norm float64) float64 {
	if len(source) == 0 {
		return 0
	}
	if norm == 0 {
		norm = source[0]
	}
	split := len(source) / 2
	return NormSlopeAvg(source[split:], norm) - NormSlopeAvg(source[:split], norm)
}

// SavGol — фильтр Савицкого-Голея через полиномы Грама. Окно нечётное,
// края сглаживаются полиномом, подобранным по первому/последнему окну.
func SavGol(source []float64, window, order int) []float64 {
	result := make([]float64, len(source))
	if window%2 == 0 {
		window++
	}
	if len(source) < window || order >= window {
		copy(result, source)
		return result
	}

	m := window / 2

	// веса свёртки для центральной точки
	center := savGolWeights(m, 0, order)
	for i := m; i < len(source)-m; i++ {
		var sum float64
		for d := -m; d <= m; d++ {
			sum += center[d+m] * source[i+d]
		}
		result[i] = sum
	}

	// края: оценка МНК-полинома первого и последнего окна в краевых точках
	for p := 0; p < m; p++ {
		head := savGolWeights(m, p-m, order)
		tail := savGolWeights(m, m-p, order)
		var headSum, tailSum float64
		for d := -m; d <= m; d++ {
			headSum += head[d+m] * source[d+m]
			tailSum += tail[d+m] * source[len(source)-1-m+d]
		}
		result[p] = headSum
		result[len(source)-1-p] = tailSum
	}

	return result
}

// savGolWeights — веса для оценки сглаженного значения в точке t окна
// [-m, m] полиномом степени order.
func savGolWeights(m, t, order int) []float64 {
	weights := make([]float64, 2*m+1)
	for i := -m; i <= m; i++ {
		var w float64
		pi := gramPolys(i, m, order)
		pt := gramPolys(t, m, order)
		for k := 0; k <= order; k++ {
			w += float64(2*k+1) * genFact(2*m, k) / genFact(2*m+k+1, k+1) * pi[k] * pt[k]
		}
		weights[i+m] = w
	}
	return weights
}

// gramPolys — значения полиномов Грама P_0..P_order в точке i окна [-m, m].
func gramPolys(i, m, order int) []float64 {
	p := make([]float64, order+1)
	p[0] = 1
	if order == 0 {
		return p
	}
	p[1] = float64(i) / float64(m)
	for k := 2; k <= order; k++ {
		a := float64(2*(2*k-1)) / float64(k*(2*m-k+1))
		b := float64((k-1)*(2*m+k)) / float64(k*(2*m-k+1))
		p[k] = a*float64(i)*p[k-1] - b*p[k-2]
	}
	return p
}

// genFact — обобщённый факториал a * (a-1) * ... * (a-b+1).
func genFact(a, b int) float64 {
	gf := 1.0
	for j := a - b + 1; j <= a; j++ {
		gf *= float64(j)
	}
	return gf
}
