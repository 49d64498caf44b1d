// Package bedrock implements llm.Provider for Amazon Bedrock's ConverseStream
// API. The protocol is Anthropic-style indexed content blocks, carried over
// the AWS event-stream transport instead of SSE.
//
// Authentication comes from the AWS SDK v2 credential chain (environment,
// shared profile, instance role), so the fail-fast configuration check covers
// the model id only.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdoc "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/lmstream/lmstream/pkg/llm"
)

// Provider is the Amazon Bedrock streaming provider.
type Provider struct {
	Region  string
	Profile string
}

func New(region, profile string) *Provider {
	return &Provider{Region: region, Profile: profile}
}

func (p *Provider) Name() string { return "bedrock" }

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func (p *Provider) Generate(ctx context.Context, req llm.Request) *llm.EventStream {
	if req.Model == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "bedrock", Field: "model"})
	}

	out := llm.NewEventStream(0)
	go func() {
		out.Close(p.generate(ctx, req, out))
	}()
	return out
}

func (p *Provider) generate(ctx context.Context, req llm.Request, out *llm.EventStream) error {
	client, err := p.newClient(ctx)
	if err != nil {
		return &llm.ConfigError{Provider: "bedrock", Field: "credentials (" + err.Error() + ")"}
	}

	input, err := buildInput(req)
	if err != nil {
		return &llm.DecodeError{Provider: "bedrock", Err: err}
	}

	resp, err := client.ConverseStream(ctx, input)
	if err != nil {
		return &llm.TransportError{Provider: "bedrock", Err: err}
	}

	stream := resp.GetStream()
	defer stream.Close()

	if err := decode(ctx, stream.Events(), out); err != nil {
		return err
	}
	if err := stream.Err(); err != nil {
		return &llm.TransportError{Provider: "bedrock", Err: err}
	}
	return nil
}

type blockState struct {
	kind string // "text" | "tool_use"
	id   string
	name string
	text strings.Builder
	args strings.Builder
}

func decode(ctx context.Context, events <-chan types.ConverseStreamOutput, out *llm.EventStream) error {
	blocks := map[int32]*blockState{}
	var inputTokens int

	for event := range events {
		switch ev := event.(type) {

		case *types.ConverseStreamOutputMemberContentBlockStart:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch s := ev.Value.Start.(type) {
			case *types.ContentBlockStartMemberToolUse:
				bs := &blockState{kind: "tool_use", id: aws.ToString(s.Value.ToolUseId), name: aws.ToString(s.Value.Name)}
				if bs.id == "" {
					bs.id = "call_" + uuid.New().String()[:8]
				}
				blocks[idx] = bs
				if !out.Push(ctx, llm.ToolCallStart{ID: bs.id, Name: bs.name}) {
					return ctx.Err()
				}
			default:
				blocks[idx] = &blockState{kind: "text"}
				if !out.Push(ctx, llm.ContentStart{}) {
					return ctx.Err()
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch d := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				// Bedrock omits ContentBlockStart for plain text blocks;
				// open one on first delta.
				bs, ok := blocks[idx]
				if !ok {
					bs = &blockState{kind: "text"}
					blocks[idx] = bs
					if !out.Push(ctx, llm.ContentStart{}) {
						return ctx.Err()
					}
				}
				bs.text.WriteString(d.Value)
				if !out.Push(ctx, llm.Content{Text: d.Value}) {
					return ctx.Err()
				}
			case *types.ContentBlockDeltaMemberToolUse:
				bs := mustBlock(blocks, idx, "delta")
				bs.args.WriteString(aws.ToString(d.Value.Input))
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			bs := mustBlock(blocks, idx, "stop")
			delete(blocks, idx)
			switch bs.kind {
			case "text":
				if !out.Push(ctx, llm.Message{Message: llm.AssistantMessage{Content: bs.text.String()}}) {
					return ctx.Err()
				}
			case "tool_use":
				args := bs.args.String()
				if args == "" {
					args = "{}"
				}
				if !out.Push(ctx, llm.ToolCall{ID: bs.id, Name: bs.name, Arguments: args}) {
					return ctx.Err()
				}
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				inputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
				st := llm.Stats{
					InputTokens:  inputTokens,
					OutputTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
				}
				if !out.Push(ctx, st) {
					return ctx.Err()
				}
			}

		case *types.ConverseStreamOutputMemberMessageStart,
			*types.ConverseStreamOutputMemberMessageStop:
			// nothing to accumulate
		}
	}
	return nil
}

func mustBlock(blocks map[int32]*blockState, index int32, frame string) *blockState {
	bs, ok := blocks[index]
	if !ok {
		panic(fmt.Sprintf("bedrock: content block %s for unopened index %d", frame, index))
	}
	return bs
}

// ---------------------------------------------------------------------------
// Client + input building
// ---------------------------------------------------------------------------

func (p *Provider) newClient(ctx context.Context) (*bedrockruntime.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.Region))
	}
	if p.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(p.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func buildInput(req llm.Request) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model),
	}

	system, msgs := buildMessages(req.SystemPrompt, req.Thread)
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	input.Messages = msgs

	ic := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		v := int32(req.MaxTokens)
		ic.MaxTokens = &v
	}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		ic.Temperature = &v
	}
	input.InferenceConfig = ic

	if len(req.Tools) > 0 {
		toolList := make([]types.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
			}
			toolList = append(toolList, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{
						Value: brdoc.NewLazyDocument(schema),
					},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{
			Tools:      toolList,
			ToolChoice: &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}},
		}
	}

	return input, nil
}

func buildMessages(systemPrompt string, thread llm.Thread) (string, []types.Message) {
	var system []string
	if systemPrompt != "" {
		system = append(system, systemPrompt)
	}

	var out []types.Message
	appendUser := func(block types.ContentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == types.ConversationRoleUser {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, types.Message{Role: types.ConversationRoleUser, Content: []types.ContentBlock{block}})
	}
	toolResult := func(id, result string, isError bool) types.ContentBlock {
		status := types.ToolResultStatusSuccess
		if isError {
			status = types.ToolResultStatusError
		}
		return &types.ContentBlockMemberToolResult{
			Value: types.ToolResultBlock{
				ToolUseId: aws.String(id),
				Status:    status,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: result}},
			},
		}
	}

	for _, ev := range thread {
		switch e := ev.(type) {
		case llm.SystemMessage:
			system = append(system, e.Content)

		case llm.UserMessage:
			var blocks []types.ContentBlock
			for _, c := range e.Content {
				switch chunk := c.(type) {
				case llm.TextChunk:
					blocks = append(blocks, &types.ContentBlockMemberText{Value: chunk.Text})
				case llm.ImageChunk:
					raw, err := base64.StdEncoding.DecodeString(chunk.Data)
					if err != nil {
						continue
					}
					blocks = append(blocks, &types.ContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: imageFormat(chunk.MIMEType),
							Source: &types.ImageSourceMemberBytes{Value: raw},
						},
					})
				}
			}
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: blocks})

		case llm.AssistantMessage:
			out = append(out, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: e.Content}},
			})

		case llm.ToolUseEvent:
			var inputMap map[string]any
			_ = json.Unmarshal(e.Input, &inputMap)
			block := &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(e.ID),
					Name:      aws.String(e.Name),
					Input:     brdoc.NewLazyDocument(inputMap),
				},
			}
			if n := len(out); n > 0 && out[n-1].Role == types.ConversationRoleAssistant {
				out[n-1].Content = append(out[n-1].Content, block)
			} else {
				out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: []types.ContentBlock{block}})
			}

		case llm.ToolResultSuccessEvent:
			appendUser(toolResult(e.ID, e.Result, false))

		case llm.ToolResultErrorEvent:
			appendUser(toolResult(e.ID, e.Result, true))
		}
	}

	return strings.Join(system, "\n\n"), out
}

func imageFormat(mimeType string) types.ImageFormat {
	switch mimeType {
	case "image/jpeg":
		return types.ImageFormatJpeg
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatPng
	}
}
