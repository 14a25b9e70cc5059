package partition

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		service Service
		model   string
		want    Family
	}{
		{"aws always wins", ServiceAWS, "claude-2", AWSClaude},
		{"aws wins over openai-looking model", ServiceAWS, "gpt-4", AWSClaude},
		{"anthropic claude", ServiceAnthropic, "claude-2.1", Claude},
		{"palm bison", ServicePalm, "text-bison-001", Bison},
		{"openai turbo", ServiceOpenAI, "gpt-3.5-turbo", Turbo},
		{"openai gpt4", ServiceOpenAI, "gpt-4", GPT4},
		{"openai gpt4 32k", ServiceOpenAI, "gpt-4-32k", GPT4_32K},
		{"openai unknown falls back to turbo", ServiceOpenAI, "some-future-model", Turbo},
		{"case insensitive", ServiceOpenAI, "GPT-4", GPT4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.service, tt.model)
			if got != tt.want {
				t.Errorf("Classify(%q, %q) = %q, want %q", tt.service, tt.model, got, tt.want)
			}
		})
	}
}

func TestAllIsComplete(t *testing.T) {
	if len(All) != 6 {
		t.Fatalf("expected 6 families, got %d", len(All))
	}
}
