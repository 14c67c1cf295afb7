package payload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        Value
		wantText  string
		wantEmbed string
		wantFiles []string
		wantAudio bool
		wantEmpty bool
	}{
		{name: "nil", in: nil, wantEmpty: true},
		{name: "blank text", in: Value{Text("  \n")}, wantEmpty: true},
		{name: "empty embed", in: Value{Embed{}}, wantEmpty: true},
		{name: "last text wins", in: Value{Text("a"), Text("b")}, wantText: "b"},
		{name: "last embed wins", in: Value{Embed{Title: "x"}, &Embed{Title: "y"}}, wantEmbed: "y"},
		{
			name:      "mixed",
			in:        Value{Attachment{Name: "a.txt"}, Text("hi"), Attachment{Path: "/tmp/b.png"}},
			wantText:  "hi",
			wantFiles: []string{"a.txt", "b.png"},
		},
		{name: "audio", in: Value{Audio{Attachment{Name: "x.ogg"}}}, wantAudio: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := Classify(tc.in)
			if c.Empty() != tc.wantEmpty {
				t.Fatalf("Empty() = %v, want %v (%+v)", c.Empty(), tc.wantEmpty, c)
			}
			if c.Text != tc.wantText {
				t.Fatalf("Text = %q, want %q", c.Text, tc.wantText)
			}
			gotEmbed := ""
			if c.Embed != nil {
				gotEmbed = c.Embed.Title
			}
			if gotEmbed != tc.wantEmbed {
				t.Fatalf("Embed title = %q, want %q", gotEmbed, tc.wantEmbed)
			}
			names := c.AttachmentNames()
			if len(names) != len(tc.wantFiles) {
				t.Fatalf("attachments = %v, want %v", names, tc.wantFiles)
			}
			for i := range names {
				if names[i] != tc.wantFiles[i] {
					t.Fatalf("attachments = %v, want %v", names, tc.wantFiles)
				}
			}
			if (c.Audio != nil) != tc.wantAudio {
				t.Fatalf("audio present = %v, want %v", c.Audio != nil, tc.wantAudio)
			}
		})
	}
}

func TestVisualAndAudioOnly(t *testing.T) {
	t.Parallel()

	c := Classify(Value{Text("hi"), Audio{Attachment{Name: "x.ogg"}}})
	if v := c.Visual(); v.Audio != nil || v.Text != "hi" {
		t.Fatalf("Visual() = %+v", v)
	}
	if a := c.AudioOnly(); a.Audio == nil || a.Text != "" {
		t.Fatalf("AudioOnly() = %+v", a)
	}
	if !Classify(Value{Text("hi")}).AudioOnly().Empty() {
		t.Fatalf("AudioOnly() of text-only content should be empty")
	}
}

func TestSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := Static{Text("fixed")}
	if !st.IsStatic() {
		t.Fatalf("Static should report IsStatic")
	}
	v, err := st.Produce(ctx)
	if err != nil || len(v) != 1 {
		t.Fatalf("Static.Produce() = %v, %v", v, err)
	}

	calls := 0
	dyn := Dynamic(func(context.Context) (Value, error) {
		calls++
		return Value{Text("n")}, nil
	})
	_, _ = dyn.Produce(ctx)
	_, _ = dyn.Produce(ctx)
	if calls != 2 {
		t.Fatalf("Dynamic called %d times, want 2", calls)
	}

	boom := errors.New("boom")
	if _, err := Dynamic(func(context.Context) (Value, error) { return nil, boom }).Produce(ctx); !errors.Is(err, boom) {
		t.Fatalf("Dynamic error = %v, want boom", err)
	}
}

func TestFileTextRereads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "msg.txt")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := FileText(path)
	v, err := src.Produce(context.Background())
	if err != nil || Classify(v).Text != "one" {
		t.Fatalf("first produce = %v, %v", v, err)
	}
	if err := os.WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, _ = src.Produce(context.Background())
	if Classify(v).Text != "two" {
		t.Fatalf("FileText did not re-read: %v", v)
	}
}

func TestAttachmentOpen(t *testing.T) {
	t.Parallel()

	rc, err := Attachment{Data: []byte("abc")}.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "abc" {
		t.Fatalf("read %q", b)
	}
	if _, err := (Attachment{}).Open(); !errors.Is(err, ErrNoData) {
		t.Fatalf("empty attachment err = %v", err)
	}
}
