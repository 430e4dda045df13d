package claudecli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"Monios-Control/internal/runtime"
)

// streamLine 对应 claude --output-format stream-json 输出的一行。
type streamLine struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype"`
	SessionID string         `json:"session_id"`
	IsError   bool           `json:"is_error"`
	Result    string         `json:"result"`
	Message   *streamMessage `json:"message"`
}

type streamMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseLine 把一行输出翻译为运行时事件。terminal 为 true 表示该行是 result，流已结束。
// 与对话无关的行（工具调用、user 回显、其它 system 子类型）返回空事件列表。
func parseLine(raw []byte) (events []runtime.Event, terminal bool, err error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, false, nil
	}

	var line streamLine
	if err := json.Unmarshal([]byte(trimmed), &line); err != nil {
		return nil, false, fmt.Errorf("解析 stream-json 行失败: %w", err)
	}

	switch line.Type {
	case "system":
		if line.Subtype == "init" && line.SessionID != "" {
			events = append(events, runtime.Meta(line.SessionID))
		}
	case "assistant":
		if line.Message == nil {
			return nil, false, nil
		}
		for _, block := range line.Message.Content {
			if block.Type == "text" && block.Text != "" {
				events = append(events, runtime.Content(block.Text))
			}
		}
	case "result":
		if line.SessionID != "" {
			events = append(events, runtime.Meta(line.SessionID))
		}
		if line.IsError || strings.HasPrefix(line.Subtype, "error") {
			detail := strings.TrimSpace(line.Result)
			if detail == "" {
				detail = line.Subtype
			}
			events = append(events, runtime.Failure(errors.New("claude 运行失败: "+detail)))
		} else {
			events = append(events, runtime.Completion())
		}
		return events, true, nil
	}
	return events, false, nil
}
