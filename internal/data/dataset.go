// Package data loads tokenized translation corpora and assembles padded
// training batches.
//
// A corpus split is a JSON array of pairs of token id sequences:
//
//	[{"src": [101, 45, 67, 102], "trg": [101, 22, 102]}, ...]
//
// Sequences are pre-tokenized; the ids must fit the model's vocabulary.
package data

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

// Pair is one source/target example of token ids.
type Pair struct {
	Src []int32 `json:"src"`
	Trg []int32 `json:"trg"`
}

// Dataset is one corpus split.
type Dataset struct {
	Pairs []Pair
}

// Load reads a split from a JSON file.
func Load(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var pairs []Pair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	for i, p := range pairs {
		if len(p.Src) == 0 || len(p.Trg) == 0 {
			return nil, fmt.Errorf("dataset %s: pair %d has an empty side", path, i)
		}
	}
	return &Dataset{Pairs: pairs}, nil
}

// Splits bundles the three corpus splits of a translation task.
type Splits struct {
	Train *Dataset
	Valid *Dataset
	Test  *Dataset
}

// LoadSplits reads train.json, valid.json and test.json from dir.
func LoadSplits(dir string) (*Splits, error) {
	train, err := Load(filepath.Join(dir, "train.json"))
	if err != nil {
		return nil, err
	}
	valid, err := Load(filepath.Join(dir, "valid.json"))
	if err != nil {
		return nil, err
	}
	test, err := Load(filepath.Join(dir, "test.json"))
	if err != nil {
		return nil, err
	}
	return &Splits{Train: train, Valid: valid, Test: test}, nil
}

// Len returns the number of pairs.
func (d *Dataset) Len() int {
	return len(d.Pairs)
}

// Batches partitions the dataset into batches of up to batchSize pairs.
// With shuffle, pair order is permuted using rng first.
func (d *Dataset) Batches(batchSize int, shuffle bool, rng *rand.Rand) [][]Pair {
	if batchSize <= 0 {
		panic(fmt.Sprintf("data: batch size must be positive, got %d", batchSize))
	}

	order := make([]int, len(d.Pairs))
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches [][]Pair
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batch := make([]Pair, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, d.Pairs[idx])
		}
		batches = append(batches, batch)
	}
	return batches
}
