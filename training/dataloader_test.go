package training

import (
	"testing"

	"github.com/tsawler/go-lightning/tensor"
)

func scalarSamples(t *testing.T, values ...float32) []*tensor.Tensor {
	t.Helper()
	out := make([]*tensor.Tensor, 0, len(values))
	for _, v := range values {
		s, err := tensor.New([]int{1}, []float32{v})
		if err != nil {
			t.Fatalf("Failed to create sample: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func TestSimpleDataset(t *testing.T) {
	t.Run("Simple dataset creation", func(t *testing.T) {
		data := scalarSamples(t, 1, 2)
		labels := scalarSamples(t, 0, 1)

		dataset, err := NewSimpleDataset(data, labels)
		if err != nil {
			t.Fatalf("Failed to create simple dataset: %v", err)
		}

		if dataset.Len() != 2 {
			t.Errorf("Expected dataset length 2, got %d", dataset.Len())
		}

		d, l, err := dataset.Get(1)
		if err != nil {
			t.Fatalf("Failed to get sample 1: %v", err)
		}
		if d != data[1] || l != labels[1] {
			t.Error("Sample 1 data or label mismatch")
		}
	})

	t.Run("Simple dataset error cases", func(t *testing.T) {
		if _, err := NewSimpleDataset(scalarSamples(t, 1, 2), scalarSamples(t, 1)); err == nil {
			t.Error("Expected error for mismatched data and labels length")
		}

		dataset, _ := NewSimpleDataset(scalarSamples(t, 1), nil)
		if _, _, err := dataset.Get(-1); err == nil {
			t.Error("Expected error for negative index")
		}
		if _, _, err := dataset.Get(1); err == nil {
			t.Error("Expected error for out of range index")
		}
	})
}

func TestDataLoaderBatching(t *testing.T) {
	dataset, _ := NewSimpleDataset(scalarSamples(t, 1, 2, 3, 4, 5), scalarSamples(t, 10, 20, 30, 40, 50))
	loader := NewDataLoader(dataset, 2, false, 0)

	if loader.Len() != 3 {
		t.Fatalf("Expected 3 batches, got %d", loader.Len())
	}

	batches, err := loader.Batches()
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}

	expectedSizes := []int{2, 2, 1}
	for i, b := range batches {
		if b.Size() != expectedSizes[i] {
			t.Errorf("Batch %d: expected size %d, got %d", i, expectedSizes[i], b.Size())
		}
	}

	first := batches[0]
	if first.Data.Shape[0] != 2 || first.Data.Shape[1] != 1 {
		t.Errorf("Expected batch shape [2 1], got %v", first.Data.Shape)
	}
	if first.Data.Data[1] != 2 || first.Labels.Data[1] != 20 {
		t.Errorf("Unexpected batch contents: %v / %v", first.Data.Data, first.Labels.Data)
	}
}

func TestDataLoaderUnlabeled(t *testing.T) {
	dataset, _ := NewSimpleDataset(scalarSamples(t, 1, 2, 3), nil)
	batches, err := NewDataLoader(dataset, 3, false, 0).Batches()
	if err != nil {
		t.Fatalf("Batches failed: %v", err)
	}
	if len(batches) != 1 || batches[0].Labels != nil {
		t.Errorf("Expected one unlabeled batch")
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	order := func(seed int64) []float32 {
		dataset, _ := NewSimpleDataset(scalarSamples(t, values...), nil)
		batches, err := NewDataLoader(dataset, len(values), true, seed).Batches()
		if err != nil {
			t.Fatalf("Batches failed: %v", err)
		}
		return batches[0].Data.Data
	}

	a, b := order(7), order(7)
	sum := float32(0)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Same seed produced different orders: %v vs %v", a, b)
		}
		sum += a[i]
	}
	if sum != 36 {
		t.Errorf("Shuffle lost samples: %v", a)
	}
}
