package llm

import (
	"fmt"
	"strings"
	"text/template"
)

// PromptKind selects a template from the prompt table.
type PromptKind string

const (
	// PromptDisambiguate picks one entity among several with the same
	// canonical name.
	PromptDisambiguate PromptKind = "disambiguate"
	// PromptVerifyMatch asks whether two entity descriptions refer to the
	// same real-world entity.
	PromptVerifyMatch PromptKind = "verify_match"
	// PromptReconcile classifies an incoming memory against a similar
	// stored one (noop / update / delete_and_add / add).
	PromptReconcile PromptKind = "reconcile"
	// PromptConsolidate distills a cluster of episodic memories into a
	// durable semantic pattern.
	PromptConsolidate PromptKind = "consolidate"
	// PromptExtract pulls entities, relationships, commitments, and an
	// event date out of memory content.
	PromptExtract PromptKind = "extract"
)

// promptTable maps each prompt kind to its template. Keeping prompts in a
// single table instead of branching string interpolation makes the required
// fields visible in one place.
var promptTable = map[PromptKind]*template.Template{
	PromptDisambiguate: template.Must(template.New("disambiguate").Parse(
		`Several stored entities share the name "{{.Name}}" (type: {{.EntityType}}).
A new mention arrived with these attributes: {{.NewAttributes}}

Candidates:
{{range .Candidates}}- id: {{.ID}}, attributes: {{.Attributes}}{{if .Relations}}, relations: {{.Relations}}{{end}}
{{end}}
Which candidate does the new mention refer to?
Respond with ONLY a JSON object: {"entity_id": string, "confidence": number between 0 and 1}.
If none match, use an empty entity_id.`)),

	PromptVerifyMatch: template.Must(template.New("verify_match").Parse(
		`Do these two descriptions refer to the same real-world {{.EntityType}}?

A: {{.NewDescription}}
B: {{.CandidateDescription}}

Consider nicknames, abbreviations, and partial names (e.g. "Sarah" may be "Sarah Chen").
Respond with ONLY a JSON object: {"is_match": boolean, "confidence": number between 0 and 1}.`)),

	PromptReconcile: template.Must(template.New("reconcile").Parse(
		`A new memory is being stored. A similar memory already exists.

Existing: {{.ExistingContent}}
New: {{.NewContent}}

Classify the new memory:
- "noop": it states the same fact; nothing new.
- "update": it refines or extends the existing fact.
- "delete_and_add": it contradicts the existing fact (e.g. a changed date); the old one is obsolete.
- "add": it is about something else entirely.

Respond with ONLY a JSON object: {"action": "noop"|"update"|"delete_and_add"|"add", "reason": string}.`)),

	PromptConsolidate: template.Must(template.New("consolidate").Parse(
		`Below are {{.Count}} low-importance episodic memories from the same period.

{{range .Contents}}- {{.}}
{{end}}
Extract 2-3 sentences describing a durable pattern or general fact they
reveal about the user (not tied to any single event). If nothing
generalizable exists, respond with exactly: null`)),

	PromptExtract: template.Must(template.New("extract").Parse(
		`Extract structured knowledge from this memory (recorded {{.RecordedAt}}):

{{.Content}}

Respond with ONLY a JSON object:
{
  "entities": [{"name": string, "type": "person"|"company"|"project"|"place"|"event"|"other", "attributes": object, "confidence": number}],
  "relationships": [{"source": string, "target": string, "type": string, "attributes": object, "confidence": number}],
  "commitments": [string],
  "event_date": string (ISO 8601 date the memory refers to, or null)
}
Entity names in relationships must exactly match names in "entities".`)),
}

// RenderPrompt fills the template for the given kind.
func RenderPrompt(kind PromptKind, data interface{}) (string, error) {
	tmpl, ok := promptTable[kind]
	if !ok {
		return "", fmt.Errorf("unknown prompt kind: %q", kind)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", kind, err)
	}
	return b.String(), nil
}
