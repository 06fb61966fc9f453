package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeLlama writes a shell script that echoes the prompt followed by a fixed
// completion, matching llama.cpp's prompt-echoing stdout.
func fakeLlama(t *testing.T, completion string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llama")
	script := "#!/bin/sh\n" +
		"while [ $# -gt 1 ]; do\n" +
		"  if [ \"$1\" = \"-p\" ]; then printf '%s' \"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"printf '%s' '" + completion + "'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLocalGenerateStripsPrompt(t *testing.T) {
	c, err := New(Config{
		Kind:       KindLocal,
		Executable: fakeLlama(t, ` {"answer": 42}`),
		ModelPath:  "/nonexistent.gguf",
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Generate(context.Background(), "Summarise the permit.", 64)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != `{"answer": 42}` {
		t.Fatalf("output = %q, want prompt stripped and trimmed", out)
	}
}

func TestLocalGenerateEmptyPrompt(t *testing.T) {
	c, err := New(Config{Kind: KindLocal, Executable: "/bin/true", ModelPath: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Generate(context.Background(), "   ", 64); err != ErrEmptyPrompt {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
}

func TestLocalGenerateExecFailure(t *testing.T) {
	c, err := New(Config{Kind: KindLocal, Executable: "/bin/false", ModelPath: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Generate(context.Background(), "prompt", 16); err == nil {
		t.Fatal("failing subprocess should surface an error")
	}
}

func TestRenderMessages(t *testing.T) {
	got := renderMessages([]Message{
		{Role: "system", Content: "You extract JSON."},
		{Role: "user", Content: "Here is the text."},
		{Role: "assistant", Content: "{}"},
		{Role: "tool", Content: "raw"},
	})
	for _, want := range []string{
		"<System>\nYou extract JSON.\n</System>",
		"<User>\nHere is the text.\n</User>",
		"<Assistant>\n{}\n</Assistant>",
		"raw\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered prompt missing %q:\n%s", want, got)
		}
	}
	if !strings.HasSuffix(got, "<Assistant>") {
		t.Errorf("prompt should end with an open assistant tag:\n%s", got)
	}
}

func TestRemoteChat(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  extracted  "}}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		Kind:    KindCompatible,
		BaseURL: srv.URL,
		Model:   "llama-3-70b-instruct",
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "extract"},
		{Role: "user", Content: "text"},
	}, 256)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "extracted" {
		t.Fatalf("output = %q, want trimmed completion", out)
	}
	for _, want := range []string{`"model":"llama-3-70b-instruct"`, `"max_tokens":256`} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("request body missing %s: %s", want, gotBody)
		}
	}
}

func TestRemoteConfigValidation(t *testing.T) {
	if _, err := New(Config{Kind: KindOpenAI, Model: "gpt-4o"}); err == nil {
		t.Fatal("openai backend without key should fail")
	}
	if _, err := New(Config{Kind: KindCompatible, BaseURL: "http://x"}); err == nil {
		t.Fatal("remote backend without model should fail")
	}
	if _, err := New(Config{Kind: "quantum"}); err == nil {
		t.Fatal("unknown kind should fail")
	}
}
