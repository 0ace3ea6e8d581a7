package ui

import (
	"context"
	"html"
	"io"

	"github.com/a-h/templ"
)

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>"+html.EscapeString(title)+"</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head>")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// IndexPage renders the landing page. Browsers cannot send a raw request
// body from a form, so the upload button posts the file with fetch and
// shows the returned key.
func IndexPage() templ.Component {
	return Layout("Hashstore", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Hashstore</h1>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Content-addressed file storage. Files are stored under the SHA-512 hash of their contents.</p></header>")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<form id=\"upload\"><input type=\"file\" name=\"file\" required><button type=\"submit\">Upload</button></form>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Key: <code id=\"key\"></code></p>")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, uploadScript)
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Method</th><th>Path</th><th>Result</th></tr></thead><tbody>")
		if err != nil {
			return err
		}
		for _, row := range routes {
			_, err = io.WriteString(w, "<tr><td>"+row[0]+"</td><td><code>"+html.EscapeString(row[1])+"</code></td><td>"+html.EscapeString(row[2])+"</td></tr>")
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}

var routes = [][3]string{
	{"POST", "/upload", "201 with the key, or 200 if the file was already stored"},
	{"GET", "/download/{key}", "the file contents"},
	{"DELETE", "/delete/{key}", "200, or 404 if no such file"},
}

const uploadScript = `<script>
document.getElementById("upload").addEventListener("submit", async (ev) => {
	ev.preventDefault();
	const file = ev.target.elements.file.files[0];
	const resp = await fetch("/upload", {method: "POST", body: file});
	document.getElementById("key").textContent = await resp.text();
});
</script>`
