// Package model holds the types shared by the effect scopes of kflow_go.
package model

import "fmt"

// EffectEnum is the context key a scope registers its handler under.
type EffectEnum string

const (
	EffectLog         EffectEnum = "kflow_go_effect_enum_log"
	EffectConcurrency EffectEnum = "kflow_go_effect_enum_concurrency"
	EffectPerform     EffectEnum = "kflow_go_effect_enum_perform"
)

var (
	ErrNoEffectHandler = fmt.Errorf("no effect handler registered for this effect")
	ErrScopeClosed     = fmt.Errorf("effect scope closed")
)

// ScopeConfig sizes the worker queues behind a handler.
type ScopeConfig struct {
	BufferSize int // default: 1
	NumWorkers int // default: 1
}

func NewScopeConfig(bufferSize int, numWorkers int) ScopeConfig {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return ScopeConfig{
		BufferSize: bufferSize,
		NumWorkers: numWorkers,
	}
}

// Partitionable payloads are routed by PartitionKey: equal keys land on the same worker.
type Partitionable interface {
	PartitionKey() string
}

// Unpartitioned is the key used for payloads that don't care which worker runs them.
const Unpartitioned = "unpartitioned"

// PartitionKeyOf returns v's partition key, or Unpartitioned if v has none.
func PartitionKeyOf(v any) string {
	if p, ok := v.(Partitionable); ok {
		return p.PartitionKey()
	}
	return Unpartitioned
}
