package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/hooktrap/hooktrap/log"
)

// respondWith logs err and reports it to the caller. Reserved for
// server-side failures; client input violations go through pipelineError.
func respondWith(rw http.ResponseWriter, err error, status int) {
	log.Errorf("%s", err)
	if status >= http.StatusInternalServerError {
		writeJSONError(rw, status, "Internal Server Error")
		return
	}
	writeJSONError(rw, status, err.Error())
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("cannot marshal response body: %s", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if _, err := rw.Write(b); err != nil {
		log.Debugf("cannot write response body: %s", err)
	}
}

func writeJSONError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// isJSONContentType matches application/json and the +json structured
// syntax suffixes.
func isJSONContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// flattenHeader folds a multi-valued header map into the single-valued
// form recorded on events.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}

// flattenQuery keeps the first value per key, the way most webhook
// senders expect repeated parameters to behave.
func flattenQuery(q map[string][]string) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, vals := range q {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

// renderBody turns raw request bytes into the string stored on an
// event. Binary payloads are base64-encoded so the record stays valid
// UTF-8 end to end.
func renderBody(raw []byte) (body, encoding string) {
	if utf8.Valid(raw) {
		return string(raw), "text"
	}
	return base64.StdEncoding.EncodeToString(raw), "base64"
}
