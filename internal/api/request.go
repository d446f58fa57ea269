package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/qzbxwv/EGO/internal/agent"
	"github.com/qzbxwv/EGO/internal/llm"
)

// stepPayload is the JSON body, or the request_data form field of a
// multipart body, shared by the step and turn routes.
type stepPayload struct {
	SessionID          string `json:"session_id,omitempty"`
	Query              string `json:"query"`
	Mode               string `json:"mode"`
	ChatHistory        string `json:"chat_history"`
	ThoughtsHistory    string `json:"thoughts_history"`
	CustomInstructions string `json:"custom_instructions"`
	MaxThoughts        int    `json:"max_thoughts,omitempty"`
}

func (p *stepPayload) step(atts []llm.Attachment) agent.StepRequest {
	return agent.StepRequest{
		Query:              p.Query,
		Mode:               p.Mode,
		ChatHistory:        p.ChatHistory,
		ThoughtsHistory:    p.ThoughtsHistory,
		CustomInstructions: p.CustomInstructions,
		Attachments:        atts,
	}
}

func (p *stepPayload) turn(atts []llm.Attachment) agent.TurnRequest {
	return agent.TurnRequest{
		SessionID:          p.SessionID,
		Query:              p.Query,
		Mode:               p.Mode,
		ChatHistory:        p.ChatHistory,
		CustomInstructions: p.CustomInstructions,
		MaxThoughts:        p.MaxThoughts,
		Attachments:        atts,
	}
}

var errEmptyQuery = errors.New("query is required")

// decodeStep reads either a JSON body or a multipart form with a
// request_data JSON field and any number of files.
func (h *Handler) decodeStep(w http.ResponseWriter, r *http.Request) (*stepPayload, []llm.Attachment, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		p    stepPayload
		atts []llm.Attachment
	)
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, nil, fmt.Errorf("parse multipart form: %w", err)
		}
		raw := r.FormValue("request_data")
		if raw == "" {
			return nil, nil, errors.New("request_data field is required")
		}
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, nil, fmt.Errorf("decode request_data: %w", err)
		}
		var err error
		if atts, err = readFiles(r); err != nil {
			return nil, nil, err
		}
	} else if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, nil, fmt.Errorf("decode body: %w", err)
	}

	if strings.TrimSpace(p.Query) == "" {
		return nil, nil, errEmptyQuery
	}
	return &p, atts, nil
}

func readFiles(r *http.Request) ([]llm.Attachment, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var out []llm.Attachment
	for _, key := range []string{"files", "files[]"} {
		for _, fh := range r.MultipartForm.File[key] {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
			}
			mt := fh.Header.Get("Content-Type")
			if mt == "" || mt == "application/octet-stream" {
				mt = http.DetectContentType(data)
			}
			out = append(out, llm.Attachment{Name: fh.Filename, MIMEType: mt, Data: data})
		}
	}
	return out, nil
}
