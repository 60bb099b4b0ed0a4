package resolver

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// candidateMapping is one possible automation plan extracted from a form.
type candidateMapping struct {
	mapping   apply.FieldMapping
	submitSel string
}

// scanForms extracts candidate field mappings from the page HTML, one per
// form element. Pages that place inputs outside any form contribute a
// whole-document candidate.
func scanForms(html string) ([]candidateMapping, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}

	var candidates []candidateMapping
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		if cand, ok := scanScope(doc, form); ok {
			candidates = append(candidates, cand)
		}
	})
	if len(candidates) == 0 {
		if cand, ok := scanScope(doc, doc.Selection); ok {
			candidates = append(candidates, cand)
		}
	}
	return candidates, nil
}

func scanScope(doc *goquery.Document, scope *goquery.Selection) (candidateMapping, bool) {
	mapping := make(apply.FieldMapping)
	scores := make(map[apply.CanonicalField]int)

	scope.Find("input, textarea, select").Each(func(_ int, el *goquery.Selection) {
		kind, ok := elementKind(el)
		if !ok {
			return
		}
		texts := descriptiveTexts(doc, el)
		field, score, matched := matchField(texts)
		if !matched {
			return
		}
		if kind == apply.ElementUpload && field != apply.FieldResumeUpload && field != apply.FieldCoverLetter {
			return
		}
		if prev, seen := scores[field]; seen && prev >= score {
			return
		}
		selector, ok := elementSelector(el)
		if !ok {
			return
		}
		mapping[field] = apply.ElementDescriptor{Selector: selector, Kind: kind}
		scores[field] = score
	})

	if len(mapping) == 0 {
		return candidateMapping{}, false
	}
	return candidateMapping{
		mapping:   mapping,
		submitSel: findSubmit(scope),
	}, true
}

func elementKind(el *goquery.Selection) (apply.ElementKind, bool) {
	switch goquery.NodeName(el) {
	case "textarea":
		return apply.ElementText, true
	case "select":
		return apply.ElementSelect, true
	}
	inputType := strings.ToLower(el.AttrOr("type", "text"))
	switch inputType {
	case "hidden", "submit", "button", "image", "reset", "password":
		return "", false
	case "file":
		return apply.ElementUpload, true
	case "checkbox":
		return apply.ElementCheckbox, true
	case "radio":
		return apply.ElementCheckbox, true
	default:
		return apply.ElementText, true
	}
}

// descriptiveTexts gathers every text the form associates with an element:
// name, id, placeholder, aria-label, and any <label> bound to it.
func descriptiveTexts(doc *goquery.Document, el *goquery.Selection) []string {
	var texts []string
	for _, attr := range []string{"name", "id", "placeholder", "aria-label"} {
		if v := el.AttrOr(attr, ""); v != "" {
			texts = append(texts, v)
		}
	}
	if id := el.AttrOr("id", ""); id != "" {
		doc.Find(fmt.Sprintf("label[for=%q]", id)).Each(func(_ int, label *goquery.Selection) {
			texts = append(texts, strings.TrimSpace(label.Text()))
		})
	}
	if label := el.ParentsFiltered("label").First(); label.Length() > 0 {
		texts = append(texts, strings.TrimSpace(label.Text()))
	}
	return texts
}

func elementSelector(el *goquery.Selection) (string, bool) {
	tag := goquery.NodeName(el)
	if id := el.AttrOr("id", ""); id != "" {
		return "#" + id, true
	}
	if name := el.AttrOr("name", ""); name != "" {
		return fmt.Sprintf("%s[name=%q]", tag, name), true
	}
	return "", false
}

func findSubmit(scope *goquery.Selection) string {
	if sel := submitSelector(scope.Find("button[type=submit]").First()); sel != "" {
		return sel
	}
	if sel := submitSelector(scope.Find("input[type=submit]").First()); sel != "" {
		return sel
	}
	found := ""
	scope.Find("button").EachWithBreak(func(_ int, btn *goquery.Selection) bool {
		text := strings.ToLower(btn.Text())
		if strings.Contains(text, "submit") || strings.Contains(text, "apply") {
			found = submitSelector(btn)
			return found == ""
		}
		return true
	})
	if found != "" {
		return found
	}
	return "button[type=submit]"
}

func submitSelector(el *goquery.Selection) string {
	if el.Length() == 0 {
		return ""
	}
	if id := el.AttrOr("id", ""); id != "" {
		return "#" + id
	}
	if name := el.AttrOr("name", ""); name != "" {
		return fmt.Sprintf("%s[name=%q]", goquery.NodeName(el), name)
	}
	switch goquery.NodeName(el) {
	case "input":
		return "input[type=submit]"
	default:
		return "button[type=submit]"
	}
}
