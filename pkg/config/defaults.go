package config

import "time"

// Default values for configuration
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultCollectorTimeout      = 500 * time.Millisecond
	DefaultCollectorMaxBatchWait = 5 * time.Second
	DefaultCollectorMaxBatchSize = 0 // unlimited

	DefaultBrokerBufferSize = 100

	DefaultAgentCount        = 3
	DefaultAgentKlass        = "LLMAgent"
	DefaultAgentTask         = "Have a friendly conversation about artificial intelligence with other agents."
	DefaultAgentQueueSize    = 16
	DefaultAgentMemorySize   = 100
	DefaultAgentAutoReply    = true
	DefaultAgentMaxReplies   = 5
	DefaultAgentReplyTimeout = 30 * time.Second

	DefaultProviderName  = "echo"
	DefaultProviderModel = "gpt-4o-mini"
)
