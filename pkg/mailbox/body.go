package mailbox

import "encoding/base64"

type payload struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body *struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []*payload `json:"parts"`
}

// extractBody walks a message payload and concatenates its text/plain parts.
// Gmail encodes part data as unpadded base64url.
func extractBody(p *payload) string {
	if p == nil {
		return ""
	}
	if len(p.Parts) > 0 {
		var body string
		for _, part := range p.Parts {
			switch part.MimeType {
			case "text/plain":
				body += decodePartData(part)
			case "multipart/alternative", "multipart/mixed", "multipart/related":
				body += extractBody(part)
			}
		}
		return body
	}
	return decodePartData(p)
}

func decodePartData(p *payload) string {
	if p == nil || p.Body == nil || p.Body.Data == "" {
		return ""
	}
	data, err := base64.RawURLEncoding.DecodeString(p.Body.Data)
	if err != nil {
		// Some senders pad; retry with the padded alphabet before giving up.
		data, err = base64.URLEncoding.DecodeString(p.Body.Data)
		if err != nil {
			return ""
		}
	}
	return string(data)
}
