package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by the provider, tool and task instrumentation.
var (
	// Provider call spans and metrics.
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	// Tool execution spans.
	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	// Scheduled task runs.
	AttrTaskID    = attribute.Key("task.id")
	AttrTaskState = attribute.Key("task.state")
)
