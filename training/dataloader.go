package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-lightning/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample; label may be nil
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. A shuffling loader is seeded so
// runs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *tensor.Tensor
	Labels *tensor.Tensor // nil for unlabeled datasets
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	if b.Data == nil || len(b.Data.Shape) == 0 {
		return 0
	}
	return b.Data.Shape[0]
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}

	return batch, nil
}

// loadBatch loads a batch of samples and stacks them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	data := make([]*tensor.Tensor, 0, len(indices))
	var labels []*tensor.Tensor
	labeled := false

	for i, idx := range indices {
		d, l, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if i == 0 {
			labeled = l != nil
		} else if labeled != (l != nil) {
			return nil, fmt.Errorf("sample %d: labels must be present for all samples or none", idx)
		}
		data = append(data, d)
		if l != nil {
			labels = append(labels, l)
		}
	}

	batchData, err := tensor.Stack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to stack batch data: %v", err)
	}

	batch := &Batch{Data: batchData}
	if labels != nil {
		batch.Labels, err = tensor.Stack(labels)
		if err != nil {
			return nil, fmt.Errorf("failed to stack batch labels: %v", err)
		}
	}

	return batch, nil
}

// Batches returns every batch of one epoch, resetting the loader first
func (dl *DataLoader) Batches() ([]*Batch, error) {
	dl.Reset()

	batches := make([]*Batch, 0, dl.Len())
	for {
		batch, err := dl.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return batches, nil
		}
		batches = append(batches, batch)
	}
}

// SimpleDataset provides a basic implementation of Dataset for testing and simple use cases
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []*tensor.Tensor
}

// NewSimpleDataset creates a new SimpleDataset. labels may be nil.
func NewSimpleDataset(data, labels []*tensor.Tensor) (*SimpleDataset, error) {
	if labels != nil && len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}

	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	if ds.labels == nil {
		return ds.data[idx], nil, nil
	}
	return ds.data[idx], ds.labels[idx], nil
}
