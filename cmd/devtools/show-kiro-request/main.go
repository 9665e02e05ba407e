// Command show-kiro-request renders the Kiro conversationState JSON the
// gateway would send upstream for an Anthropic-style payload. Debug aid
// only; nothing leaves the machine.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	kiroauth "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	kirotranslator "github.com/kirolink/kiro-gateway/internal/translator/kiro"
)

const samplePayload = `{
  "model": "claude-sonnet-4-5",
  "max_tokens": 1024,
  "system": "You are terse.",
  "messages": [
    {"role": "user", "content": "Name the five Great Lakes."}
  ],
  "tools": [
    {
      "name": "get_weather",
      "description": "Look up current weather for a city.",
      "input_schema": {
        "type": "object",
        "properties": {"city": {"type": "string"}},
        "required": ["city"]
      }
    }
  ]
}`

func main() {
	model := flag.String("model", "claude-sonnet-4-5", "public model alias to translate for")
	flag.Parse()

	payload := []byte(samplePayload)
	if flag.NArg() > 0 {
		data, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			fail(err)
		}
		payload = data
	}

	token := &kiroauth.KiroTokenStorage{
		AccessToken: "placeholder",
		AuthMethod:  kiroauth.AuthMethodSocial,
		ProfileArn:  "arn:aws:codewhisperer:us-east-1:000000000000:profile/EXAMPLE",
	}
	out, err := kirotranslator.BuildRequest(*model, payload, token)
	if err != nil {
		fail(err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(out, &pretty); err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pretty); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "show-kiro-request: %v\n", err)
	os.Exit(1)
}
