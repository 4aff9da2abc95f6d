package tools

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

// MalformedArgsError reports model-proposed arguments that could not be
// parsed or failed schema validation. It aborts the whole turn: a malformed
// proposal means a malfunctioning or hostile model response, not a tool
// failure the model can recover from.
type MalformedArgsError struct {
	Tool   string
	Raw    string
	Detail string
}

func (e *MalformedArgsError) Error() string {
	return fmt.Sprintf("malformed arguments for tool %s: %s", e.Tool, e.Detail)
}

// ParseArguments decodes a raw JSON argument string. Slightly broken JSON
// (trailing commas, single quotes) gets one repair pass before giving up.
func ParseArguments(tool, raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, &MalformedArgsError{Tool: tool, Raw: raw, Detail: err.Error()}
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, &MalformedArgsError{Tool: tool, Raw: raw, Detail: err.Error()}
	}

	log.Debug().Str("tool", tool).Msg("Tool arguments repaired before parsing")
	return args, nil
}
