package model

import (
	"context"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"

	"github.com/serp256/tenx/internal/config"
)

func newAnthropic(ctx context.Context, id string, pc config.ProviderConfig, maxTokens int) (einomodel.BaseChatModel, error) {
	key, err := apiKey(pc, "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	cfg := &claude.Config{
		APIKey:    key,
		Model:     id,
		MaxTokens: maxTokens,
	}
	if pc.BaseURL != "" {
		cfg.BaseURL = &pc.BaseURL
	}
	return claude.NewChatModel(ctx, cfg)
}

func newOpenAI(ctx context.Context, id string, pc config.ProviderConfig, maxTokens int) (einomodel.BaseChatModel, error) {
	key, err := apiKey(pc, "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	cfg := &openai.ChatModelConfig{
		APIKey:              key,
		Model:               id,
		MaxCompletionTokens: &maxTokens,
	}
	if pc.BaseURL != "" {
		cfg.BaseURL = pc.BaseURL
	}
	return openai.NewChatModel(ctx, cfg)
}

func newArk(ctx context.Context, id string, pc config.ProviderConfig, maxTokens int) (einomodel.BaseChatModel, error) {
	key, err := apiKey(pc, "ARK_API_KEY")
	if err != nil {
		return nil, err
	}
	cfg := &ark.ChatModelConfig{
		APIKey:    key,
		Model:     id,
		MaxTokens: &maxTokens,
	}
	if pc.BaseURL != "" {
		cfg.BaseURL = pc.BaseURL
	}
	return ark.NewChatModel(ctx, cfg)
}
