package handlers

import (
	"github.com/cespare/xxhash/v2"
	"github.com/on-the-ground/kflow_go/flow/model"
)

func hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func getIndexByHash(payload any, numChs int) int {
	switch numChs {
	case 0:
		panic("number of channels cannot be 0")
	case 1:
		return 0
	default:
		return int(hash(model.PartitionKeyOf(payload)) % uint64(numChs))
	}
}
