package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairwaylabs/patternd/internal/matcher"
	"github.com/fairwaylabs/patternd/internal/pattern"
)

func matchResult(score float64, autoExecutable bool, action pattern.ActionType, template string) *matcher.Result {
	return &matcher.Result{
		Pattern: pattern.Pattern{
			ID:               "pat-1",
			ResponseTemplate: template,
			Action:           action,
			AutoExecutable:   autoExecutable,
			Confidence:       score,
		},
		Score: score,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			config: Config{AutoThreshold: 0.85, SuggestionThreshold: 0.4, AutoAllowed: []pattern.ActionType{pattern.ActionSendMessage}},
		},
		{
			name:    "unknown action type",
			config:  Config{AutoThreshold: 0.85, SuggestionThreshold: 0.4, AutoAllowed: []pattern.ActionType{"launch_rocket"}},
			wantErr: true,
		},
		{
			name:    "destructive action on allow-list",
			config:  Config{AutoThreshold: 0.85, SuggestionThreshold: 0.4, AutoAllowed: []pattern.ActionType{pattern.ActionUnlockDoor}},
			wantErr: true,
		},
		{
			name:    "suggestion threshold above auto threshold",
			config:  Config{AutoThreshold: 0.5, SuggestionThreshold: 0.8, AutoAllowed: []pattern.ActionType{pattern.ActionSendMessage}},
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			config:  Config{AutoThreshold: 1.5, SuggestionThreshold: 0.4, AutoAllowed: []pattern.ActionType{pattern.ActionSendMessage}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecideTransitions(t *testing.T) {
	p, err := New(Config{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		res  *matcher.Result
		want Decision
	}{
		{
			name: "no match escalates",
			res:  nil,
			want: DecisionEscalate,
		},
		{
			name: "below suggestion threshold escalates",
			res:  matchResult(0.2, true, pattern.ActionSendMessage, "hi"),
			want: DecisionEscalate,
		},
		{
			name: "mid confidence suggests",
			res:  matchResult(0.6, true, pattern.ActionSendMessage, "hi"),
			want: DecisionSuggest,
		},
		{
			name: "high confidence auto-executes",
			res:  matchResult(0.9, true, pattern.ActionSendMessage, "hi"),
			want: DecisionAutoExecute,
		},
		{
			name: "high confidence but not flagged auto-executable",
			res:  matchResult(0.9, false, pattern.ActionSendMessage, "hi"),
			want: DecisionSuggest,
		},
		{
			name: "destructive action never auto-executes",
			res:  matchResult(0.99, true, pattern.ActionUnlockDoor, "unlocking now"),
			want: DecisionSuggest,
		},
		{
			name: "reboot never auto-executes",
			res:  matchResult(0.99, true, pattern.ActionRebootDevice, "rebooting"),
			want: DecisionSuggest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := p.Decide(tt.res, nil)
			assert.Equal(t, tt.want, eval.Decision, "reason: %s", eval.Reason)
		})
	}
}

func TestDecideMissingPlaceholdersBlockAuto(t *testing.T) {
	p, err := New(Config{}, nil)
	require.NoError(t, err)

	res := matchResult(0.95, true, pattern.ActionSendMessage, "Bay {{bay_number}} is reset")

	eval := p.Decide(res, nil)
	assert.Equal(t, DecisionSuggest, eval.Decision)
	assert.Equal(t, []string{"bay_number"}, eval.MissingVars)

	eval = p.Decide(res, map[string]string{"bay_number": "7"})
	assert.Equal(t, DecisionAutoExecute, eval.Decision)
	assert.Equal(t, "Bay 7 is reset", eval.Response)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{
		AutoThreshold:       0.9,
		SuggestionThreshold: 0.4,
		AutoAllowed:         []pattern.ActionType{pattern.ActionResetSimulator},
	}, nil)
	assert.Error(t, err, "destructive allow-list entries fail at construction")
}
