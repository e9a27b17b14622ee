package config

const (
	delimiter = "."

	Prefix = "config"

	FlowPrefix = Prefix + delimiter + "flow"

	FlowBufferSize    = FlowPrefix + delimiter + "buffer_size"
	FlowNumWorkers    = FlowPrefix + delimiter + "num_workers"
	FlowLogBufferSize = FlowPrefix + delimiter + "log_buffer_size"
	FlowConflate      = FlowPrefix + delimiter + "conflate"
)
