// Package partition classifies a request's declared model into a model
// family: the cost/rate-limit partition the Queue and Key Pool shard on.
package partition

import "strings"

// Family is the closed enumeration of model families. Every request maps to
// exactly one of these six, including unrecognized models (they fall back
// to Turbo).
type Family string

const (
	Turbo     Family = "turbo"
	GPT4      Family = "gpt4"
	GPT4_32K  Family = "gpt4-32k"
	Claude    Family = "claude"
	Bison     Family = "bison"
	AWSClaude Family = "aws-claude"
)

// All enumerates every family, in the order the Dispatcher ticks over them.
var All = []Family{Turbo, GPT4, GPT4_32K, Claude, Bison, AWSClaude}

// Service identifies which upstream transport a request is routed through.
// This is distinct from Dialect: AWS Bedrock serves the Claude dialect over
// its own transport, which is why it gets its own family regardless of the
// model string.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServicePalm      Service = "palm"
	ServiceAWS       Service = "aws"
)

// Classify maps a (service, model) pair to a Family. It is total: every
// input produces a Family, with Turbo as the catch-all.
func Classify(service Service, model string) Family {
	if service == ServiceAWS {
		return AWSClaude
	}

	m := strings.ToLower(model)

	switch service {
	case ServiceAnthropic:
		return Claude
	case ServicePalm:
		return Bison
	case ServiceOpenAI:
		switch {
		case strings.Contains(m, "gpt-4-32k"), strings.Contains(m, "gpt4-32k"):
			return GPT4_32K
		case strings.Contains(m, "gpt-4"), strings.Contains(m, "gpt4"):
			return GPT4
		case strings.Contains(m, "gpt-3.5"), strings.Contains(m, "turbo"):
			return Turbo
		default:
			return Turbo
		}
	default:
		return Turbo
	}
}
