package rules

import (
	"regexp"
	"strings"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// QualificationTracker updates lead field completion from extracted
// entities and exposes the completion score. The lead is qualified only at
// 100% field completion; the tracker never relaxes that bar.
type QualificationTracker struct{}

// NewQualificationTracker creates a qualification tracker.
func NewQualificationTracker() *QualificationTracker {
	return &QualificationTracker{}
}

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRegex = regexp.MustCompile(`\+?\d[\d\s().\-]{5,18}\d`)
	ageRegex   = regexp.MustCompile(`(?i)\b(\d{1,2})\s*anos?\b`)
	gradeRegex = regexp.MustCompile(`(?i)\b(\d{1,2})[ºo°]?\s*ano\b`)

	guardianNameRegex = regexp.MustCompile(`(?:[Mm]eu nome [ée]|[Mm]e chamo|[Ss]ou [oa]|[Aa]qui [ée] [oa])\s+([A-ZÀ-Ö][a-zà-öø-ÿ]+(?:\s+[A-ZÀ-Ö][a-zà-öø-ÿ]+)?)`)
	studentNameRegex  = regexp.MustCompile(`(?:[Mm]eu filho|[Mm]inha filha|[Oo] aluno|[Aa] aluna)(?:,?\s*(?:se chama|[ée]|chamad[oa]))?\s+([A-ZÀ-Ö][a-zà-öø-ÿ]+(?:\s+[A-ZÀ-Ö][a-zà-öø-ÿ]+)?)`)
)

var programKeywords = map[string]string{
	"matemática": "matemática", "matematica": "matemática", "math": "matemática",
	"português": "português", "portugues": "português",
	"física": "física", "fisica": "física",
	"química": "química", "quimica": "química",
	"inglês": "inglês", "ingles": "inglês",
	"redação": "redação", "redacao": "redação",
	"reforço": "reforço escolar", "reforco": "reforço escolar",
}

var scheduleKeywords = []string{
	"manhã", "manha", "tarde", "noite", "sábado", "sabado",
	"segunda", "terça", "terca", "quarta", "quinta", "sexta",
}

// ExtractEntities pulls candidate lead field values out of free text.
// Extraction is deliberately conservative: a field is only proposed when
// the pattern is unambiguous.
func (t *QualificationTracker) ExtractEntities(text string) map[string]string {
	entities := make(map[string]string)

	if m := guardianNameRegex.FindStringSubmatch(text); len(m) > 1 {
		entities[models.LeadFieldGuardianName] = m[1]
	}
	if m := studentNameRegex.FindStringSubmatch(text); len(m) > 1 {
		entities[models.LeadFieldStudentName] = m[1]
	}
	if m := emailRegex.FindString(text); m != "" {
		entities[models.LeadFieldEmail] = m
	}
	if m := phoneRegex.FindString(text); m != "" {
		entities[models.LeadFieldPhone] = m
	}
	if m := ageRegex.FindStringSubmatch(text); len(m) > 1 {
		entities[models.LeadFieldStudentAge] = m[1]
	}
	if m := gradeRegex.FindStringSubmatch(text); len(m) > 1 {
		entities[models.LeadFieldGrade] = m[1] + "º ano"
	}

	lower := strings.ToLower(text)
	for kw, program := range programKeywords {
		if strings.Contains(lower, kw) {
			entities[models.LeadFieldProgram] = program
			break
		}
	}
	for _, kw := range scheduleKeywords {
		if strings.Contains(lower, kw) {
			entities[models.LeadFieldPreferredSchedule] = strings.TrimSpace(text)
			break
		}
	}
	return entities
}

// Update applies extracted entities to the lead, skipping fields already
// collected and values that fail field validation. It returns the names of
// fields that were updated.
func (t *QualificationTracker) Update(lead *models.LeadData, entities map[string]string) []string {
	var updated []string
	for _, name := range models.LeadFieldNames {
		value, ok := entities[name]
		if !ok {
			continue
		}
		if existing, _ := lead.Field(name); existing != "" {
			continue
		}
		if err := lead.SetField(name, value); err != nil {
			continue
		}
		updated = append(updated, name)
	}
	return updated
}

// NextPrompt returns the user-facing question for the first missing field,
// or "" when the lead is complete.
func (t *QualificationTracker) NextPrompt(lead *models.LeadData) string {
	missing := lead.MissingFields()
	if len(missing) == 0 {
		return ""
	}
	prompts := map[string]string{
		models.LeadFieldGuardianName:      "Qual o nome do responsável?",
		models.LeadFieldStudentName:       "Qual o nome do aluno?",
		models.LeadFieldPhone:             "Qual o melhor telefone para contato?",
		models.LeadFieldEmail:             "Qual o seu e-mail?",
		models.LeadFieldStudentAge:        "Qual a idade do aluno?",
		models.LeadFieldGrade:             "Em qual ano escolar o aluno está?",
		models.LeadFieldProgram:           "Qual matéria ou programa você procura?",
		models.LeadFieldPreferredSchedule: "Qual o melhor horário para as aulas?",
	}
	return prompts[missing[0]]
}
