package tensor

import (
	"math"
	"testing"
)

func TestNewTensorValidation(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		dtype   DType
		data    interface{}
		wantErr bool
	}{
		{"valid 2x3 float32", []int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6}, false},
		{"nil data allocates zeros", []int{2, 2}, Float32, nil, false},
		{"wrong element count", []int{2, 2}, Float32, []float32{1, 2, 3}, true},
		{"negative dimension", []int{2, -1}, Float32, nil, true},
		{"zero dimension", []int{0}, Float32, nil, true},
		{"int32 data", []int{3}, Int32, []int32{1, 2, 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTensor(tt.shape, tt.dtype, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTensor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []int
		want    []int
		wantErr bool
	}{
		{"equal shapes", []int{2, 3}, []int{2, 3}, []int{2, 3}, false},
		{"row broadcast", []int{4, 3}, []int{1, 3}, []int{4, 3}, false},
		{"rank extension", []int{2, 3, 4}, []int{4}, []int{2, 3, 4}, false},
		{"incompatible", []int{2, 3}, []int{2, 4}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BroadcastShapes(tt.a, tt.b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BroadcastShapes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !shapesEqual(got, tt.want) {
				t.Errorf("BroadcastShapes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestElementwiseOps(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, Float32, []float32{5, 6, 7, 8})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	want, _ := NewTensor([]int{2, 2}, Float32, []float32{6, 8, 10, 12})
	if !Equal(sum, want) {
		t.Errorf("Add = %v, want %v", sum.Data, want.Data)
	}

	prod, err := Mul(a, b)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	wantProd, _ := NewTensor([]int{2, 2}, Float32, []float32{5, 12, 21, 32})
	if !Equal(prod, wantProd) {
		t.Errorf("Mul = %v, want %v", prod.Data, wantProd.Data)
	}
}

func TestBroadcastAdd(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	bias, _ := NewTensor([]int{1, 3}, Float32, []float32{10, 20, 30})

	out, err := Add(a, bias)
	if err != nil {
		t.Fatalf("broadcast Add failed: %v", err)
	}
	want, _ := NewTensor([]int{2, 3}, Float32, []float32{11, 22, 33, 14, 25, 36})
	if !Equal(out, want) {
		t.Errorf("broadcast Add = %v, want %v", out.Data, want.Data)
	}
}

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, []float32{7, 8, 9, 10, 11, 12})

	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	want, _ := NewTensor([]int{2, 2}, Float32, []float32{58, 64, 139, 154})
	if !Equal(out, want) {
		t.Errorf("MatMul = %v, want %v", out.Data, want.Data)
	}

	if _, err := MatMul(a, a); err == nil {
		t.Error("expected shape mismatch error for [2,3] x [2,3]")
	}
}

func TestSumMeanDim(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	s0, err := Sum(x, 0)
	if err != nil {
		t.Fatalf("Sum dim 0 failed: %v", err)
	}
	want0, _ := NewTensor([]int{3}, Float32, []float32{5, 7, 9})
	if !Equal(s0, want0) {
		t.Errorf("Sum dim 0 = %v, want %v", s0.Data, want0.Data)
	}

	m1, err := Mean(x, 1)
	if err != nil {
		t.Fatalf("Mean dim 1 failed: %v", err)
	}
	want1, _ := NewTensor([]int{2}, Float32, []float32{2, 5})
	if !Equal(m1, want1) {
		t.Errorf("Mean dim 1 = %v, want %v", m1.Data, want1.Data)
	}
}

func TestConcatAndNarrow(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 3}, Float32, []float32{5, 6, 7, 8, 9, 10})

	cat, err := Concat([]*Tensor{a, b}, 1)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	want, _ := NewTensor([]int{2, 5}, Float32, []float32{1, 2, 5, 6, 7, 3, 4, 8, 9, 10})
	if !Equal(cat, want) {
		t.Errorf("Concat = %v, want %v", cat.Data, want.Data)
	}

	back, err := Narrow(cat, 1, 2, 3)
	if err != nil {
		t.Fatalf("Narrow failed: %v", err)
	}
	if !Equal(back, b) {
		t.Errorf("Narrow = %v, want %v", back.Data, b.Data)
	}
}

func TestSoftmaxRows(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 1, 1, 0, 0, 10})
	out, err := SoftmaxAutograd(x)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	data := out.Data.([]float32)
	for r := 0; r < 2; r++ {
		var sum float32
		for j := 0; j < 3; j++ {
			sum += data[r*3+j]
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("row %d sums to %f, want 1", r, sum)
		}
	}
	if math.Abs(float64(data[0])-1.0/3.0) > 1e-5 {
		t.Errorf("uniform row produced %f, want 1/3", data[0])
	}
}

func TestBackwardThroughGraph(t *testing.T) {
	// y = sum over rows of (w*x + x), checks accumulation through two paths.
	x, _ := NewTensor([]int{1, 2}, Float32, []float32{3, 4})
	x.SetRequiresGrad(true)
	w, _ := NewTensor([]int{1, 2}, Float32, []float32{2, 5})
	w.SetRequiresGrad(true)

	wx, err := MulAutograd(w, x)
	if err != nil {
		t.Fatalf("Mul failed: %v", err)
	}
	y, err := AddAutograd(wx, x)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	loss, err := MeanAutograd(y, 1)
	if err != nil {
		t.Fatalf("Mean failed: %v", err)
	}

	if err := Backward(loss); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dy/dx = (w + 1) / 2 elementwise
	wantX := []float32{1.5, 3}
	gx := x.Grad().Data.([]float32)
	for i := range wantX {
		if math.Abs(float64(gx[i]-wantX[i])) > 1e-6 {
			t.Errorf("x grad[%d] = %f, want %f", i, gx[i], wantX[i])
		}
	}

	// dy/dw = x / 2 elementwise
	wantW := []float32{1.5, 2}
	gw := w.Grad().Data.([]float32)
	for i := range wantW {
		if math.Abs(float64(gw[i]-wantW[i])) > 1e-6 {
			t.Errorf("w grad[%d] = %f, want %f", i, gw[i], wantW[i])
		}
	}
}

func TestMatMulBackward(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 2})
	a.SetRequiresGrad(true)
	b, _ := NewTensor([]int{2, 1}, Float32, []float32{3, 4})
	b.SetRequiresGrad(true)

	out, err := MatMulAutograd(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	if err := Backward(out); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	ga := a.Grad().Data.([]float32)
	if ga[0] != 3 || ga[1] != 4 {
		t.Errorf("a grad = %v, want [3 4]", ga)
	}
	gb := b.Grad().Data.([]float32)
	if gb[0] != 1 || gb[1] != 2 {
		t.Errorf("b grad = %v, want [1 2]", gb)
	}
}

func TestHasNaNOrInf(t *testing.T) {
	clean, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	if HasNaNOrInf(clean) {
		t.Error("clean tensor reported as non-finite")
	}
	dirty, _ := NewTensor([]int{2}, Float32, []float32{1, float32(math.Inf(1))})
	if !HasNaNOrInf(dirty) {
		t.Error("infinite tensor not detected")
	}
	nan, _ := NewTensor([]int{2}, Float32, []float32{float32(math.NaN()), 0})
	if !HasNaNOrInf(nan) {
		t.Error("NaN tensor not detected")
	}
}
