package prompt

import (
	"context"
	"errors"
	"fmt"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/session"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidScriptResult = errors.New("invalid result type, it should be pointer to Script struct")
	ErrEmptyScript         = errors.New("prompt script has no prompts")
)

var builtinScript = []session.Prompt{
	{Text: "What is one thing that went well today?"},
	{Text: "What is something you would like to do differently tomorrow?"},
	{Text: "On a scale from one to ten, how would you rate your day?", IsRating: true},
}

// ScriptRepository reads owner scripts and falls back to the default script when an owner
// has none.
type ScriptRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	Default        []session.Prompt
}

func NewScriptRepository(dbConn *gorm.DB) (*ScriptRepository, error) {
	defaults, err := DefaultScript(config.Conf.PromptDefaultScript)
	if err != nil {
		return nil, err
	}

	cbSettings := database.GetCircuitBreakerSettings("prompt_scripts", isRepositoryHealthy)

	return &ScriptRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
		Default:        defaults,
	}, nil
}

func isRepositoryHealthy(err error) bool {
	return err == nil || errors.Is(err, gorm.ErrRecordNotFound)
}

// DefaultScript decodes a JSON array of prompts. An empty value selects the built-in script.
func DefaultScript(raw string) ([]session.Prompt, error) {
	if raw == "" {
		return append([]session.Prompt(nil), builtinScript...), nil
	}

	return decodePrompts([]byte(raw))
}

// Prompts returns the owner's script, or the default one when the owner has none.
func (scriptRepository *ScriptRepository) Prompts(ctx context.Context, ownerID string) ([]session.Prompt, error) {
	result, err := scriptRepository.CircuitBreaker.Execute(func() (any, error) {
		var script Script

		err := scriptRepository.DBConn.WithContext(ctx).
			Where("owner_id = ?", ownerID).
			First(&script).Error
		if err != nil {
			return nil, err
		}

		return &script, nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return append([]session.Prompt(nil), scriptRepository.Default...), nil
	}

	if err != nil {
		logging.Logger.Error("[Prompts] Failed to load prompt script",
			zap.String("owner_id", ownerID),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return nil, err
	}

	script, ok := result.(*Script)
	if !ok {
		return nil, ErrInvalidScriptResult
	}

	return decodePrompts(script.Prompts)
}

// SaveScript replaces the owner's script.
func (scriptRepository *ScriptRepository) SaveScript(
	ctx context.Context,
	ownerID string,
	prompts []session.Prompt,
) error {
	if len(prompts) == 0 {
		return ErrEmptyScript
	}

	payload, err := json.Marshal(prompts)
	if err != nil {
		return err
	}

	_, err = scriptRepository.CircuitBreaker.Execute(func() (any, error) {
		script := Script{OwnerID: ownerID, Prompts: payload}

		err := scriptRepository.DBConn.WithContext(ctx).Save(&script).Error
		if err != nil {
			return nil, err
		}

		return &script, nil
	})

	return err
}

func decodePrompts(raw []byte) ([]session.Prompt, error) {
	var prompts []session.Prompt

	err := json.Unmarshal(raw, &prompts)
	if err != nil {
		return nil, fmt.Errorf("decode prompt script: %w", err)
	}

	if len(prompts) == 0 {
		return nil, ErrEmptyScript
	}

	return prompts, nil
}
