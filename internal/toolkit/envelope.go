package toolkit

import "encoding/json"

// Envelope 把工具结果包装为统一的成功/失败结构。
func Envelope(result any, err error) map[string]any {
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true, "data": result}
}

// EnvelopeJSON 返回包装结构的 JSON 文本，供会话消息携带。
func EnvelopeJSON(result any, err error) string {
	encoded, marshalErr := json.Marshal(Envelope(result, err))
	if marshalErr != nil {
		return `{"success":false,"error":"结果序列化失败"}`
	}
	return string(encoded)
}
