package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/types"
)

func TestRunBuiltins(t *testing.T) {
	Reset()

	t.Run("clean product passes", func(t *testing.T) {
		findings, rejected := Run(&types.WorkProduct{
			Type: types.WPImplementation, Title: "Auth module", Content: "package auth",
		})
		assert.False(t, rejected)
		assert.Empty(t, findings)
	})

	t.Run("empty content rejected", func(t *testing.T) {
		findings, rejected := Run(&types.WorkProduct{
			Type: types.WPImplementation, Title: "Auth module", Content: "   ",
		})
		assert.True(t, rejected)
		require.NotEmpty(t, findings)
		assert.Contains(t, RejectionFeedback(findings), "non_empty_content")
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, rejected := Run(&types.WorkProduct{
			Type: "blueprint", Title: "Design", Content: "text",
		})
		assert.True(t, rejected)
	})

	t.Run("placeholder warns without rejecting", func(t *testing.T) {
		findings, rejected := Run(&types.WorkProduct{
			Type: types.WPDocumentation, Title: "Runbook", Content: "steps TBD later",
		})
		assert.False(t, rejected)
		require.Len(t, findings, 1)
		assert.Equal(t, OutcomeWarn, findings[0].Outcome)
	})
}

func TestRegisterCustomRule(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register(Rule{
		Name: "no_secrets",
		Evaluate: func(wp *types.WorkProduct) []Finding {
			if wp.Metadata.GetString("secret") != "" {
				return []Finding{{Outcome: OutcomeReject, Message: "secret material attached"}}
			}
			return nil
		},
	})

	_, rejected := Run(&types.WorkProduct{
		Type: types.WPOther, Title: "Creds", Content: "x",
		Metadata: types.Metadata{"secret": "hunter2"},
	})
	assert.True(t, rejected)
}
