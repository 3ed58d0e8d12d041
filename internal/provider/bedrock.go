package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/tensorzero/tensorzero-sub029/internal/credential"
	"github.com/tensorzero/tensorzero-sub029/internal/gwerr"
	"github.com/tensorzero/tensorzero-sub029/internal/llmtypes"
	"github.com/looplj/axonhub/llm/streams"
)

// bedrockAdapter talks the AWS Bedrock Converse/ConverseStream APIs,
// which normalize across Bedrock's many underlying model families.
type bedrockAdapter struct {
	// clients is keyed by region and access key id, since a
	// bedrockruntime.Client is bound to one region and one credential at
	// construction time.
	clients map[string]*bedrockruntime.Client
}

// NewBedrockAdapter builds the adapter. Clients are created lazily per
// region/credential pair on first use.
func NewBedrockAdapter() Adapter {
	return &bedrockAdapter{clients: map[string]*bedrockruntime.Client{}}
}

func (a *bedrockAdapter) clientFor(ctx context.Context, mp *llmtypes.ModelProvider, secret *credential.Secret) (*bedrockruntime.Client, error) {
	region := mp.Region
	if region == "" {
		region = "us-east-1"
	}

	var creds struct {
		AccessKeyID     string `json:"access_key_id"`
		SecretAccessKey string `json:"secret_access_key"`
		SessionToken    string `json:"session_token"`
	}

	if secret != nil && len(secret.Value()) > 0 {
		if err := json.Unmarshal(secret.Value(), &creds); err != nil {
			creds.AccessKeyID = ""
		}
	}

	key := region + "|" + creds.AccessKeyID
	if c, ok := a.clients[key]; ok {
		return c, nil
	}

	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))

	if creds.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInvalidProviderConfig, "load aws config for bedrock", err)
	}

	client := bedrockruntime.NewFromConfig(cfg)
	a.clients[key] = client

	return client, nil
}

func buildBedrockMessages(req *llmtypes.ModelInferenceRequest) []brtypes.Message {
	var out []brtypes.Message

	for _, msg := range req.Input.Messages {
		if msg.Role == llmtypes.RoleSystem {
			continue
		}

		role := brtypes.ConversationRoleUser
		if msg.Role == llmtypes.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}

		var blocks []brtypes.ContentBlock

		for _, b := range msg.Content {
			switch b.Type {
			case llmtypes.BlockText, llmtypes.BlockRawText:
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: b.Text})
			case llmtypes.BlockToolCall:
				var args document
				_ = json.Unmarshal([]byte(b.ToolCallArguments), &args)

				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(b.ToolCallID),
						Name:      aws.String(b.ToolName),
						Input:     args,
					},
				})
			case llmtypes.BlockToolResult:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(b.ToolCallID),
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberText{Value: b.ToolResult},
						},
					},
				})
			}
		}

		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}

	return out
}

// document is a minimal stand-in for smithydocument.NoSerde payloads;
// Bedrock's tool-use Input/Content fields accept any JSON-marshalable value
// satisfying the SDK's document interface.
type document map[string]any

func buildBedrockSystem(req *llmtypes.ModelInferenceRequest) []brtypes.SystemContentBlock {
	if req.Input.System == "" {
		return nil
	}

	return []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.Input.System}}
}

func buildBedrockInferenceConfig(req *llmtypes.ModelInferenceRequest) *brtypes.InferenceConfiguration {
	cfg := &brtypes.InferenceConfiguration{}

	if req.MaxTokens != nil {
		v := int32(*req.MaxTokens)
		cfg.MaxTokens = &v
	}

	if req.Temperature != nil {
		v := float32(*req.Temperature)
		cfg.Temperature = &v
	}

	if req.TopP != nil {
		v := float32(*req.TopP)
		cfg.TopP = &v
	}

	cfg.StopSequences = req.Stop

	return cfg
}

func buildBedrockToolConfig(req *llmtypes.ModelInferenceRequest) *brtypes.ToolConfiguration {
	if len(req.Tools) == 0 {
		return nil
	}

	cfg := &brtypes.ToolConfiguration{}

	for _, t := range req.Tools {
		var schema document
		_ = json.Unmarshal(t.Parameters, &schema)

		cfg.Tools = append(cfg.Tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
			},
		})
	}

	switch req.ToolChoice.Mode {
	case "required":
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case "specific":
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(req.ToolChoice.ToolName)}}
	}

	return cfg
}

func mapBedrockStopReason(reason brtypes.StopReason) llmtypes.FinishReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return llmtypes.FinishStop
	case brtypes.StopReasonMaxTokens:
		return llmtypes.FinishLength
	case brtypes.StopReasonToolUse:
		return llmtypes.FinishToolCall
	case brtypes.StopReasonContentFiltered:
		return llmtypes.FinishContentFilter
	default:
		return llmtypes.FinishStop
	}
}

func bedrockMessageToBlocks(msg *brtypes.Message) []llmtypes.Block {
	if msg == nil {
		return nil
	}

	var out []llmtypes.Block

	for _, c := range msg.Content {
		switch v := c.(type) {
		case *brtypes.ContentBlockMemberText:
			out = append(out, llmtypes.Block{Type: llmtypes.BlockText, Text: v.Value})
		case *brtypes.ContentBlockMemberToolUse:
			args, _ := json.Marshal(v.Value.Input)
			out = append(out, llmtypes.Block{
				Type:              llmtypes.BlockToolCall,
				ToolCallID:        aws.ToString(v.Value.ToolUseId),
				ToolName:          aws.ToString(v.Value.Name),
				ToolCallArguments: string(args),
			})
		}
	}

	return out
}

func (a *bedrockAdapter) Infer(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (*llmtypes.ModelInferenceResponse, error) {
	client, err := a.clientFor(ctx, mp, secret)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	out, err := client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(mp.ModelID),
		Messages:        buildBedrockMessages(req),
		System:          buildBedrockSystem(req),
		InferenceConfig: buildBedrockInferenceConfig(req),
		ToolConfig:      buildBedrockToolConfig(req),
	})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "bedrock converse failed", err)
	}

	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, gwerr.New(gwerr.KindInferenceServer, "bedrock response had no message output")
	}

	var usage llmtypes.Usage
	if out.Usage != nil {
		usage = llmtypes.Usage{
			InputTokens:  int64(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int64(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}

	return &llmtypes.ModelInferenceResponse{
		Created:      time.Now().UTC(),
		Content:      bedrockMessageToBlocks(&msgOutput.Value),
		Usage:        usage,
		Latency:      time.Since(start),
		FinishReason: mapBedrockStopReason(out.StopReason),
	}, nil
}

func (a *bedrockAdapter) InferStream(ctx context.Context, req *llmtypes.ModelInferenceRequest, mp *llmtypes.ModelProvider, secret *credential.Secret) (streams.Stream[*llmtypes.StreamChunk], error) {
	client, err := a.clientFor(ctx, mp, secret)
	if err != nil {
		return nil, err
	}

	out, err := client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(mp.ModelID),
		Messages:        buildBedrockMessages(req),
		System:          buildBedrockSystem(req),
		InferenceConfig: buildBedrockInferenceConfig(req),
		ToolConfig:      buildBedrockToolConfig(req),
	})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInferenceServer, "bedrock converse_stream failed", err)
	}

	stream := &bedrockChunkStream{events: out.GetStream()}
	if !stream.advance() {
		_ = stream.Close()

		if stream.err != nil {
			return nil, stream.err
		}

		return nil, gwerr.New(gwerr.KindStreamDecode, "bedrock stream produced no chunks")
	}

	return stream, nil
}

// bedrockChunkStream adapts the AWS SDK's event stream reader (which has no
// pull-based Next/Current shape of its own) into streams.Stream.
type bedrockChunkStream struct {
	events  *bedrockruntime.ConverseStreamEventStream
	current *llmtypes.StreamChunk
	err     error
	primed  bool

	toolCallID string
	toolName   string
}

func (s *bedrockChunkStream) advance() bool {
	for evt := range s.events.Events() {
		chunk, ok := s.decode(evt)
		if !ok {
			continue
		}

		s.current = chunk

		return true
	}

	if err := s.events.Err(); err != nil {
		s.err = gwerr.Wrap(gwerr.KindStreamDecode, "bedrock stream error", err)
	}

	return false
}

func (s *bedrockChunkStream) decode(evt brtypes.ConverseStreamOutput) (*llmtypes.StreamChunk, bool) {
	switch v := evt.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if tu, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			s.toolCallID = aws.ToString(tu.Value.ToolUseId)
			s.toolName = aws.ToString(tu.Value.Name)
		}

		return nil, false

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch d := v.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			return &llmtypes.StreamChunk{Content: []llmtypes.Block{{Type: llmtypes.BlockText, Text: d.Value}}}, true
		case *brtypes.ContentBlockDeltaMemberToolUse:
			return &llmtypes.StreamChunk{Content: []llmtypes.Block{{
				Type: llmtypes.BlockToolCall, ToolCallID: s.toolCallID, ToolName: s.toolName,
				ToolCallArguments: aws.ToString(d.Value.Input),
			}}}, true
		default:
			return nil, false
		}

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return &llmtypes.StreamChunk{FinishReason: mapBedrockStopReason(v.Value.StopReason)}, true

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage != nil {
			return &llmtypes.StreamChunk{PartialUsage: &llmtypes.Usage{
				InputTokens:  int64(aws.ToInt32(v.Value.Usage.InputTokens)),
				OutputTokens: int64(aws.ToInt32(v.Value.Usage.OutputTokens)),
			}}, true
		}

		return nil, false

	default:
		return nil, false
	}
}

func (s *bedrockChunkStream) Next() bool {
	if !s.primed {
		s.primed = true
		return s.current != nil
	}

	return s.advance()
}

func (s *bedrockChunkStream) Current() *llmtypes.StreamChunk { return s.current }
func (s *bedrockChunkStream) Err() error                     { return s.err }
func (s *bedrockChunkStream) Close() error                   { return s.events.Close() }
