package training

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// DistributedContext reports this process's place in a distributed job
type DistributedContext interface {
	GetRank() int
	GetLocalRank() int
	GetSize() int
	GetLocalSize() int
	GetCrossRank() int
}

// StaticDistributed is a DistributedContext with fixed values
type StaticDistributed struct {
	Rank      int `env:"RANK" envDefault:"0"`
	LocalRank int `env:"LOCAL_RANK" envDefault:"0"`
	Size      int `env:"WORLD_SIZE" envDefault:"1"`
	LocalSize int `env:"LOCAL_SIZE" envDefault:"1"`
	CrossRank int `env:"CROSS_RANK" envDefault:"0"`
}

// SingleProcess is the distributed context of an undistributed run
func SingleProcess() *StaticDistributed {
	return &StaticDistributed{Size: 1, LocalSize: 1}
}

// DistributedContextFromEnv reads rank information from the environment
func DistributedContextFromEnv() (*StaticDistributed, error) {
	d := &StaticDistributed{}
	if err := env.Parse(d); err != nil {
		return nil, fmt.Errorf("failed to parse distributed environment: %w", err)
	}
	if d.Size < 1 || d.LocalSize < 1 {
		return nil, fmt.Errorf("invalid distributed sizes: world %d, local %d", d.Size, d.LocalSize)
	}
	if d.Rank < 0 || d.Rank >= d.Size {
		return nil, fmt.Errorf("rank %d out of range for world size %d", d.Rank, d.Size)
	}
	if d.LocalRank < 0 || d.LocalRank >= d.LocalSize {
		return nil, fmt.Errorf("local rank %d out of range for local size %d", d.LocalRank, d.LocalSize)
	}
	return d, nil
}

func (d *StaticDistributed) GetRank() int      { return d.Rank }
func (d *StaticDistributed) GetLocalRank() int { return d.LocalRank }
func (d *StaticDistributed) GetSize() int      { return d.Size }
func (d *StaticDistributed) GetLocalSize() int { return d.LocalSize }
func (d *StaticDistributed) GetCrossRank() int { return d.CrossRank }
