package ml

import (
	"testing"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
)

func TestCheckBroadcastableOnce(t *testing.T) {
	testCases := []struct {
		refShape       []int
		expandingShape []int
		want           bool
	}{
		{[]int{6, 3}, []int{2, 1}, true},
		{[]int{2, 1}, []int{6, 3}, false},
		{[]int{5, 2}, []int{5, 2}, true},
		{[]int{5, 3}, []int{5, 2}, false},
		{[]int{2}, []int{5, 2}, false},
		{[]int{5, 2}, []int{2}, true},
		{[]int{4, 6, 2}, []int{3, 1}, true},
		{[]int{4, 6, 2}, []int{4, 1}, false},
	}
	for _, tc := range testCases {
		if got := CheckBroadcastableOnce(tc.refShape, tc.expandingShape); got != tc.want {
			t.Errorf("CheckBroadcastableOnce(%v, %v) = %v, want %v", tc.refShape, tc.expandingShape, got, tc.want)
		}
	}
}

func TestReshape(t *testing.T) {
	input := createTestInputTensor([]int{2, 6})
	expectedInput := [][]float32{
		{1., 2., 3., 4., 5., 6.},
		{7., 8., 9., 10., 11., 12.},
	}
	if err := CompareTestTensor(expectedInput, []int{2, 6}, input, common.THRESHOLD_EXACT, false); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		shape    []int
		expected any
	}{
		{[]int{12}, []float32{1., 2., 3., 4., 5., 6., 7., 8., 9., 10., 11., 12.}},
		{[]int{3, 4}, [][]float32{
			{1., 2., 3., 4.},
			{5., 6., 7., 8.},
			{9., 10., 11., 12.},
		}},
		{[]int{1, 2, 3, 2}, [][][][]float32{
			{
				{
					{1., 2.},
					{3., 4.},
					{5., 6.},
				},
				{
					{7., 8.},
					{9., 10.},
					{11., 12.},
				},
			},
		}},
	}
	for _, tc := range testCases {
		actual, err := input.Reshape(tc.shape)
		if err != nil {
			t.Fatalf("Reshape(%v): %v", tc.shape, err)
		}
		if err := CompareTestTensor(tc.expected, tc.shape, actual, common.THRESHOLD_EXACT, false); err != nil {
			t.Errorf("Reshape(%v): %v", tc.shape, err)
		}
	}

	// Reshaping a reshaped tensor still flattens the same underlying items.
	intermediate, err := input.Reshape([]int{1, 2, 3, 2})
	if err != nil {
		t.Fatal(err)
	}
	actual, err := intermediate.Reshape([]int{4, 3})
	if err != nil {
		t.Fatal(err)
	}
	expected := [][]float32{
		{1., 2., 3.},
		{4., 5., 6.},
		{7., 8., 9.},
		{10., 11., 12.},
	}
	if err := CompareTestTensor(expected, []int{4, 3}, actual, common.THRESHOLD_EXACT, false); err != nil {
		t.Error(err)
	}
}

func TestReshapeRejectsWrongElementCount(t *testing.T) {
	input := createTestInputTensor([]int{2, 6})
	want := "shape [5 3] is invalid for input of element count 12"
	if actual, err := input.Reshape([]int{5, 3}); err == nil {
		t.Errorf("error expected, but got %v", actual)
	} else if err.Error() != want {
		t.Errorf("error expected %q, but got %q", want, err)
	}
}

func TestSlice(t *testing.T) {
	input := createTestInputTensor([]int{4, 3})
	view, err := input.Slice([]int{1}, []int{3})
	if err != nil {
		t.Fatal(err)
	}
	expected := [][]float32{
		{4., 5., 6.},
		{7., 8., 9.},
	}
	if err := CompareTestTensor(expected, []int{2, 3}, view, common.THRESHOLD_EXACT, false); err != nil {
		t.Error(err)
	}

	// The view shares raw data with the original.
	if err := view.SetItem_FromFloat32([]int{0, 0}, 40); err != nil {
		t.Fatal(err)
	}
	written, err := input.GetItem_AsFloat32([]int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if written != 40 {
		t.Errorf("expected write through the view to land in the original, got %g", written)
	}

	if _, err := input.Slice([]int{2}, []int{2}); err == nil {
		t.Error("error expected for an empty slice range")
	}
	if _, err := input.Slice([]int{0}, []int{5}); err == nil {
		t.Error("error expected for a slice range beyond the leading dimension")
	}
	if _, err := input.Slice([]int{0, 0}, []int{1, 1}); err == nil {
		t.Error("error expected for slicing over multiple dimensions")
	}
}

func TestDuplicateTensor(t *testing.T) {
	input := createTestInputTensor([]int{2, 3})
	duplicate := DuplicateTensor(input)
	if duplicate.DataType != input.DataType {
		t.Errorf("expected datatype %s, but got %s", input.DataType, duplicate.DataType)
	}
	expected := [][]float32{
		{1., 2., 3.},
		{4., 5., 6.},
	}
	if err := CompareTestTensor(expected, []int{2, 3}, duplicate, common.THRESHOLD_EXACT, false); err != nil {
		t.Error(err)
	}

	// The duplicate owns its raw data.
	if err := duplicate.SetItem_FromFloat32([]int{0, 0}, 99); err != nil {
		t.Fatal(err)
	}
	original, err := input.GetItem_AsFloat32([]int{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if original != 1 {
		t.Errorf("expected the original to stay unchanged, got %g", original)
	}
}

func TestViewAsComplex64RoundTrip(t *testing.T) {
	input := createTestInputTensor([]int{2, 4})
	inputF32, err := input.ToFloat32()
	if err != nil {
		t.Fatal(err)
	}
	viewComplex, err := inputF32.ViewAsComplex64WithReshape()
	if err != nil {
		t.Fatal(err)
	}
	expectedComplex := [][]complex64{
		{complex(1, 2), complex(3, 4)},
		{complex(5, 6), complex(7, 8)},
	}
	if err := CompareTestTensor(expectedComplex, []int{2, 2}, viewComplex, common.THRESHOLD_EXACT, false); err != nil {
		t.Error(err)
	}

	viewF32, err := viewComplex.ViewAsFloat32WithReshape()
	if err != nil {
		t.Fatal(err)
	}
	expectedF32 := [][]float32{
		{1., 2., 3., 4.},
		{5., 6., 7., 8.},
	}
	if err := CompareTestTensor(expectedF32, []int{2, 4}, viewF32, common.THRESHOLD_EXACT, false); err != nil {
		t.Error(err)
	}

	if _, err := input.ViewAsComplex64WithReshape(); err == nil {
		t.Error("error expected for a complex view over a non-float32 tensor")
	}
	oddShapedF32, err := createTestInputTensor([]int{2, 3}).ToFloat32()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := oddShapedF32.ViewAsComplex64WithReshape(); err == nil {
		t.Error("error expected for a complex view over an odd last dimension")
	}
}
