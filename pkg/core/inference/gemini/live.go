package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/vango-go/vai-evidence/pkg/core/live"
)

// Dialer opens Gemini Live sessions.
type Dialer struct {
	c *Client
}

func (c *Client) Dialer() *Dialer { return &Dialer{c: c} }

func (d *Dialer) Dial(ctx context.Context, req live.DialRequest) (live.Upstream, error) {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.SystemPrompt)}},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(req.Tools)}}
	}
	if d.c.cfg.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: d.c.cfg.Voice},
			},
		}
	}
	sess, err := d.c.genai.Live.Connect(ctx, d.c.cfg.LiveModel, cfg)
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}
	return &upstream{sess: sess}, nil
}

func functionDeclarations(specs []live.ToolSpec) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		params := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
		for _, p := range spec.Params {
			params.Properties[p.Name] = &genai.Schema{Type: schemaType(p.Type), Description: p.Description}
			if p.Required {
				params.Required = append(params.Required, p.Name)
			}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		})
	}
	return out
}

func schemaType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

type upstream struct {
	sess *genai.Session
}

func (u *upstream) SendAudio(_ context.Context, a live.Audio) error {
	return u.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: a.MIMEType, Data: a.Data},
	})
}

func (u *upstream) EndAudio(context.Context) error {
	return u.sess.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

func (u *upstream) SendText(_ context.Context, text string) error {
	return u.sess.SendRealtimeInput(genai.LiveRealtimeInput{Text: text})
}

func (u *upstream) SendToolResults(_ context.Context, results []live.ToolResult) error {
	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response})
	}
	return u.sess.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
}

func (u *upstream) Receive(ctx context.Context) (*live.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := u.sess.Receive()
	if err != nil {
		return nil, err
	}
	return translate(msg), nil
}

func (u *upstream) Close() error {
	return u.sess.Close()
}

func translate(msg *genai.LiveServerMessage) *live.Event {
	ev := &live.Event{}
	if msg == nil {
		return ev
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil {
			ev.InputTranscription = &live.Transcription{Text: sc.InputTranscription.Text, Finished: sc.InputTranscription.Finished}
		}
		if sc.OutputTranscription != nil {
			ev.OutputTranscription = &live.Transcription{Text: sc.OutputTranscription.Text, Finished: sc.OutputTranscription.Finished}
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
					ev.Audio = append(ev.Audio, live.Audio{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
				}
			}
		}
		ev.TurnComplete = sc.TurnComplete
		ev.Interrupted = sc.Interrupted
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			ev.ToolCalls = append(ev.ToolCalls, live.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return ev
}
