package contentapi

import (
	"html"
	"strings"
)

// ContainerBody renders the storage markup for a folder page: a page-tree
// macro rooted at the page itself, so the page lists its children and
// carries no content of its own.
func ContainerBody(title string) string {
	var b strings.Builder
	b.WriteString(`<p><ac:structured-macro ac:name="pagetree" ac:schema-version="1">`)
	b.WriteString(`<ac:parameter ac:name="root"><ac:link><ri:page ri:content-title="`)
	b.WriteString(html.EscapeString(title))
	b.WriteString(`" /></ac:link></ac:parameter>`)
	b.WriteString(`<ac:parameter ac:name="sort">natural</ac:parameter>`)
	b.WriteString(`<ac:parameter ac:name="expandCollapseAll">true</ac:parameter>`)
	b.WriteString(`</ac:structured-macro></p>`)
	return b.String()
}

// ContentBody wraps an already rendered document in a macro whose body is
// kept verbatim by the remote service.
func ContentBody(content string) string {
	var b strings.Builder
	b.WriteString(`<ac:structured-macro ac:name="html" ac:schema-version="1">`)
	b.WriteString(`<ac:plain-text-body><![CDATA[`)
	b.WriteString(escapeCDATA(content))
	b.WriteString(`]]></ac:plain-text-body></ac:structured-macro>`)
	return b.String()
}

// A CDATA section cannot contain its own terminator, so each "]]>" is
// split across two adjacent sections.
func escapeCDATA(content string) string {
	return strings.ReplaceAll(content, "]]>", "]]]]><![CDATA[>")
}
