package render

import (
	"strings"
	"testing"
)

func render(t *testing.T, fragment string) Reply {
	t.Helper()
	r, err := New().Render(fragment)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	return r
}

func TestRender_ParagraphsJoinedWithBlankLine(t *testing.T) {
	r := render(t, `<div><p>Hello   world</p><p>Second <b>line</b></p></div>`)
	if got, want := r.Text(), "Hello world\n\nSecond line"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_HiddenNodesSkipped(t *testing.T) {
	cases := []struct {
		name     string
		fragment string
	}{
		{"marker", `<p>shown</p><p data-chatbridge-hidden="1">secret</p>`},
		{"display", `<p>shown</p><p style="display:none">secret</p>`},
		{"visibility", `<p>shown</p><div style="visibility: hidden"><p>secret</p></div>`},
		{"opacity", `<p>shown</p><p style="opacity:0">secret</p>`},
		{"aria", `<p>shown</p><p aria-hidden="true">secret</p>`},
		{"nested span", `<p>shown<span aria-hidden="true"> secret</span></p>`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := render(t, c.fragment)
			if strings.Contains(r.Text(), "secret") {
				t.Errorf("hidden text rendered: %q", r.Text())
			}
			if !strings.Contains(r.Text(), "shown") {
				t.Errorf("visible text missing: %q", r.Text())
			}
		})
	}
}

func TestRender_Headings(t *testing.T) {
	r := render(t, `<h1>Title</h1><h3>Sub</h3>`)
	if got, want := r.Text(), "# Title\n\n### Sub"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_Lists(t *testing.T) {
	r := render(t, `<ul><li>apple</li><li>pear</li></ul><ol start="3"><li>three</li><li>four</li></ol><ol><li>one</li></ol>`)
	want := "- apple\n\n- pear\n\n3. three\n\n4. four\n\n1. one"
	if got := r.Text(); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_NestedBlocksNotDuplicated(t *testing.T) {
	r := render(t, `<blockquote><p>quoted</p></blockquote><li><p>item</p></li>`)
	if n := strings.Count(r.Text(), "quoted"); n != 1 {
		t.Errorf("quoted rendered %d times: %q", n, r.Text())
	}
	if !strings.HasPrefix(r.Text(), "> quoted") {
		t.Errorf("text = %q", r.Text())
	}
}

func TestRender_CodeBlockLanguageFromClass(t *testing.T) {
	r := render(t, `<pre><code class="language-go">func main() {
	println("hi")
}
</code></pre>`)
	want := "```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```"
	if got := r.Text(); got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_CodeBlockLanguageFromDecoration(t *testing.T) {
	r := render(t, `<div class="code-block">
<div class="code-block-decoration header"><span>Python</span><button>Copy code</button></div>
<div class="container"><pre><code>print(1)</code></pre></div>
</div>`)
	if got, want := r.Text(), "```python\nprint(1)\n```"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_CodeBlockWithoutLanguage(t *testing.T) {
	r := render(t, `<pre>plain</pre>`)
	if got, want := r.Text(), "```\nplain\n```"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_InlineCode(t *testing.T) {
	r := render(t, `<p>run <code>go vet</code> now</p><div><code>solo</code></div>`)
	if got, want := r.Text(), "run `go vet` now\n\n`solo`"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestRender_Images(t *testing.T) {
	r := render(t, `<p>look</p><img src="https://example.com/a.png" alt="cat"><p>and <img src="blob:https://gemini.google.com/1234" alt="dog"></p>`)
	if len(r.Images) != 2 {
		t.Fatalf("images = %+v", r.Images)
	}
	if r.Images[0].Src != "https://example.com/a.png" || r.Images[0].Alt != "cat" {
		t.Errorf("image 0 = %+v", r.Images[0])
	}
	if !strings.HasPrefix(r.Images[1].Src, "blob:") || r.Images[1].Alt != "dog" {
		t.Errorf("image 1 = %+v", r.Images[1])
	}
}

func TestRender_Table(t *testing.T) {
	r := render(t, `<table><thead><tr><th>a</th><th>b</th></tr></thead><tbody><tr><td>1</td><td>2</td></tr></tbody></table>`)
	text := r.Text()
	if !strings.Contains(text, "|") || !strings.Contains(text, "a") || !strings.Contains(text, "2") {
		t.Errorf("table = %q", text)
	}
}

func TestRender_ScriptDropped(t *testing.T) {
	r := render(t, `<p>ok</p><script>alert(1)</script>`)
	if strings.Contains(r.Text(), "alert") {
		t.Errorf("text = %q", r.Text())
	}
}

func TestRender_LooseTextFallback(t *testing.T) {
	r := render(t, `<div>just text</div>`)
	if got := r.Text(); got != "just text" {
		t.Errorf("text = %q", got)
	}
	if r.Empty() {
		t.Error("reply should not be empty")
	}
}

func TestRender_EmptyContainer(t *testing.T) {
	r := render(t, `<div>   </div>`)
	if !r.Empty() {
		t.Errorf("reply = %+v", r)
	}
}
