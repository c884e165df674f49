package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/textnorm"
)

// LocalResult is the outcome of the rule-based pass.
type LocalResult struct {
	Fields     map[string]any
	Confidence float64
}

// FieldWeights are the contribution of each populated field to confidence.
// They sum to 100.
var FieldWeights = map[string]float64{
	"amount":               30,
	"co_financing_rate":    30,
	"deadline":             10,
	"legal_entities":       10,
	"regions":              5,
	"title":                5,
	"eligibility_criteria": 5,
	"sectors":              2,
	"documents":            1,
	"agency":               1,
	"description":          1,
}

// Score is the weighted share of populated fields, 0 to 100.
func Score(fields map[string]any) float64 {
	var total float64
	for name, w := range FieldWeights {
		if v, ok := fields[name]; ok && !model.IsEmptyValue(v) {
			total += w
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

// keyword maps a folded phrase to the canonical value it stands for.
type keyword struct {
	phrase    string
	canonical string
}

var regionKeywords = []keyword{
	{"auvergne-rhone-alpes", "Auvergne-Rhône-Alpes"}, {"auvergne rhone alpes", "Auvergne-Rhône-Alpes"},
	{"bourgogne-franche-comte", "Bourgogne-Franche-Comté"}, {"bourgogne franche comte", "Bourgogne-Franche-Comté"},
	{"bretagne", "Bretagne"},
	{"centre-val de loire", "Centre-Val de Loire"}, {"centre val de loire", "Centre-Val de Loire"},
	{"corse", "Corse"},
	{"grand est", "Grand Est"},
	{"hauts-de-france", "Hauts-de-France"}, {"hauts de france", "Hauts-de-France"},
	{"ile-de-france", "Île-de-France"}, {"ile de france", "Île-de-France"},
	{"normandie", "Normandie"},
	{"nouvelle-aquitaine", "Nouvelle-Aquitaine"}, {"nouvelle aquitaine", "Nouvelle-Aquitaine"},
	{"occitanie", "Occitanie"},
	{"pays de la loire", "Pays de la Loire"},
	{"provence-alpes-cote d'azur", "Provence-Alpes-Côte d'Azur"}, {"paca", "Provence-Alpes-Côte d'Azur"},
	{"guadeloupe", "Guadeloupe"}, {"martinique", "Martinique"}, {"guyane", "Guyane"},
	{"la reunion", "La Réunion"}, {"mayotte", "Mayotte"},
}

var sectorKeywords = []keyword{
	{"elevage", "Élevage"}, {"bovin", "Élevage"}, {"ovin", "Élevage"}, {"porcin", "Élevage"},
	{"viticulture", "Viticulture"}, {"viticole", "Viticulture"},
	{"maraichage", "Maraîchage"}, {"maraicher", "Maraîchage"},
	{"grandes cultures", "Grandes cultures"}, {"cereal", "Grandes cultures"},
	{"arboriculture", "Arboriculture"}, {"verger", "Arboriculture"},
	{"apiculture", "Apiculture"},
	{"agriculture biologique", "Agriculture biologique"},
	{"horticulture", "Horticulture"},
	{"sylviculture", "Forêt"}, {"forestier", "Forêt"},
	{"aquaculture", "Aquaculture"}, {"peche", "Pêche"},
	{"agroalimentaire", "Agroalimentaire"}, {"transformation", "Agroalimentaire"},
}

var entityPhrases = []keyword{
	{"exploitant individuel", "Exploitant individuel"}, {"exploitants individuels", "Exploitant individuel"},
	{"jeune agriculteur", "Jeune agriculteur"}, {"jeunes agriculteurs", "Jeune agriculteur"},
	{"cooperative", "Coopérative"},
	{"association", "Association"},
	{"collectivite", "Collectivité"},
	{"entreprise agricole", "Entreprise agricole"}, {"entreprises agricoles", "Entreprise agricole"},
}

var documentKeywords = []keyword{
	{"devis", "Devis"},
	{"kbis", "Extrait Kbis"},
	{"rib", "RIB"}, {"releve d'identite bancaire", "RIB"},
	{"attestation msa", "Attestation MSA"},
	{"plan de financement", "Plan de financement"},
	{"formulaire de demande", "Formulaire de demande"},
	{"statuts", "Statuts"},
	{"justificatif", "Justificatifs"},
	{"avis d'imposition", "Avis d'imposition"},
	{"business plan", "Plan d'entreprise"}, {"plan d'entreprise", "Plan d'entreprise"},
}

var agencyKeywords = []keyword{
	{"franceagrimer", "FranceAgriMer"},
	{"agence de services et de paiement", "ASP"},
	{"ministere de l'agriculture", "Ministère de l'Agriculture"},
	{"ademe", "ADEME"},
	{"bpifrance", "Bpifrance"},
	{"agence de l'eau", "Agence de l'eau"},
	{"chambre d'agriculture", "Chambre d'agriculture"},
	{"draaf", "DRAAF"},
	{"conseil regional", "Conseil régional"},
	{"feader", "Région (FEADER)"},
}

var (
	reEntityAcronym = regexp.MustCompile(`\b(EARL|GAEC|SCEA|SARL|SAS|SASU|EURL|CUMA|GFA|SCI)\b`)

	amountNum = `(\d{1,3}(?:[ \x{00a0}]\d{3})+(?:,\d+)?|\d+(?:[.,]\d+)?)`
	euro      = `\s*(k€|m€|millions?\s*(?:d')?(?:€|euros?)|€|euros?)`

	reRangeAmount = regexp.MustCompile(`\b(?:entre|de)\s+` + amountNum + euro + `?\s+(?:et|a)\s+` + amountNum + euro)
	reMaxAmount   = regexp.MustCompile(`(?:jusqu'a|plafon(?:d|nee?s?)?\s*(?:de|a)?|maximum\s*(?:de)?|dans la limite de|limitee? a|au plus)\s*` + amountNum + euro)
	reAnyAmount   = regexp.MustCompile(amountNum + euro)

	rePercent = regexp.MustCompile(`(\d{1,3}(?:[.,]\d+)?)\s*%`)

	reDeadlineCue = regexp.MustCompile(`(?:date limite|avant le|jusqu'au|au plus tard le|cloture|date de fin|depot des dossiers)`)
	reURL         = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	reSentence    = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
)

var rateCues = []string{"taux", "aide", "subvention", "financ", "investissement", "prise en charge", "depenses", "cout"}

var eligibilityCues = []string{"eligib", "beneficiaire", "condition", "doit", "doivent", "etre age", "etre installe", "reserve aux", "ouvert aux"}

var applicationCues = []string{"demarche", "deposer", "depot", "candidature", "demande", "teleservice", "formulaire"}

// LocalParser extracts subsidy fields with French keyword and pattern rules.
// It makes no network calls.
type LocalParser struct{}

// NewLocalParser creates a LocalParser.
func NewLocalParser() *LocalParser {
	return &LocalParser{}
}

// Parse extracts what it can from text. Fields it finds nothing for are
// absent from the result.
func (p *LocalParser) Parse(text string) LocalResult {
	folded := textnorm.Fold(text)
	fields := make(map[string]any)

	if t := findTitle(text); t != "" {
		fields["title"] = t
	}
	if d := findDescription(text, fields["title"]); d != "" {
		fields["description"] = d
	}
	if a := firstCanonical(folded, agencyKeywords); a != "" {
		fields["agency"] = a
	}
	if amt := findAmount(folded); len(amt) > 0 {
		fields["amount"] = amt
	}
	if rate, ok := findRate(folded); ok {
		fields["co_financing_rate"] = rate
	}
	if d := findDeadline(folded); d != "" {
		fields["deadline"] = d
	}
	if r := allCanonical(folded, regionKeywords); len(r) > 0 {
		fields["regions"] = r
	}
	if s := allCanonical(folded, sectorKeywords); len(s) > 0 {
		fields["sectors"] = s
	}
	if e := findEntities(text, folded); len(e) > 0 {
		fields["legal_entities"] = e
	}
	if d := allCanonical(folded, documentKeywords); len(d) > 0 {
		fields["documents"] = d
	}
	if c := findSentences(text, eligibilityCues, 5); len(c) > 0 {
		fields["eligibility_criteria"] = c
	}
	if u := findApplicationURL(text); u != "" {
		fields["application_url"] = u
	}

	return LocalResult{Fields: fields, Confidence: Score(fields)}
}

func findTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		r := []rune(line)
		if len(r) < 5 || len(r) > 200 {
			return ""
		}
		return line
	}
	return ""
}

func findDescription(text string, title any) string {
	t, _ := title.(string)
	for _, line := range strings.Split(text, "\n") {
		line = textnorm.CollapseSpace(strings.TrimLeft(strings.TrimSpace(line), "#-*"))
		if line == t || len([]rune(line)) < 80 {
			continue
		}
		if r := []rune(line); len(r) > 500 {
			line = strings.TrimSpace(string(r[:500])) + "…"
		}
		return line
	}
	return ""
}

// findAmount prefers an explicit range, then a ceiling, then the first
// euro amount in the text.
func findAmount(folded string) []float64 {
	if m := reRangeAmount.FindStringSubmatch(folded); m != nil {
		lo, okLo := amountValue(m[1], m[2])
		hi, okHi := amountValue(m[3], m[4])
		if okLo && okHi {
			if m[2] == "" {
				lo = applyMultiplier(lo, m[4])
			}
			return []float64{lo, hi}
		}
	}
	if m := reMaxAmount.FindStringSubmatch(folded); m != nil {
		if v, ok := amountValue(m[1], m[2]); ok {
			return []float64{v}
		}
	}
	if m := reAnyAmount.FindStringSubmatch(folded); m != nil {
		if v, ok := amountValue(m[1], m[2]); ok {
			return []float64{v}
		}
	}
	return nil
}

func amountValue(num, unit string) (float64, bool) {
	n, ok := parseFrenchNumber(num)
	if !ok {
		return 0, false
	}
	return applyMultiplier(n, unit), true
}

// findRate returns the first percentage between 0 and 100 whose sentence
// talks about funding, or the first percentage at all.
func findRate(folded string) (float64, bool) {
	var fallback *float64
	for _, m := range rePercent.FindAllStringSubmatchIndex(folded, -1) {
		n, ok := parseFrenchNumber(folded[m[2]:m[3]])
		if !ok || n <= 0 || n > 100 {
			continue
		}
		if sentenceAround(folded, m[0], m[1]).containsAny(rateCues) {
			return n, true
		}
		if fallback == nil {
			v := n
			fallback = &v
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return 0, false
}

type span string

func (s span) containsAny(cues []string) bool {
	for _, c := range cues {
		if strings.Contains(string(s), c) {
			return true
		}
	}
	return false
}

func sentenceAround(text string, start, end int) span {
	lo := strings.LastIndexAny(text[:start], ".\n")
	hi := strings.IndexAny(text[end:], ".\n")
	if hi < 0 {
		hi = len(text)
	} else {
		hi += end
	}
	return span(text[lo+1 : hi])
}

func findDeadline(folded string) string {
	for _, m := range reDeadlineCue.FindAllStringIndex(folded, -1) {
		window := folded[m[1]:]
		if len(window) > 60 {
			window = window[:60]
		}
		if t, ok := parseFrenchDate(window); ok {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func findEntities(text, folded string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range reEntityAcronym.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, c := range allCanonical(folded, entityPhrases) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func firstCanonical(folded string, kws []keyword) string {
	best, bestAt := "", -1
	for _, kw := range kws {
		if i := indexWord(folded, kw.phrase); i >= 0 && (bestAt < 0 || i < bestAt) {
			best, bestAt = kw.canonical, i
		}
	}
	return best
}

// allCanonical returns the distinct canonical values found, in order of
// first appearance.
func allCanonical(folded string, kws []keyword) []string {
	type hit struct {
		at    int
		value string
	}
	first := map[string]int{}
	for _, kw := range kws {
		if i := indexWord(folded, kw.phrase); i >= 0 {
			if prev, ok := first[kw.canonical]; !ok || i < prev {
				first[kw.canonical] = i
			}
		}
	}
	hits := make([]hit, 0, len(first))
	for v, at := range first {
		hits = append(hits, hit{at, v})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].at != hits[j].at {
			return hits[i].at < hits[j].at
		}
		return hits[i].value < hits[j].value
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.value
	}
	return out
}

// indexWord finds phrase in s at a word start, so "rib" does not match
// "contribution". Phrases of five bytes or more also match as stems
// ("cereal" in "cereales").
func indexWord(s, phrase string) int {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(phrase)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end]) || len(phrase) >= 5) {
			return i
		}
		from = i + 1
	}
	return -1
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func findSentences(text string, cues []string, limit int) []string {
	var out []string
	for _, s := range reSentence.FindAllString(text, -1) {
		s = textnorm.CollapseSpace(s)
		if len([]rune(s)) < 15 {
			continue
		}
		if span(textnorm.Fold(s)).containsAny(cues) {
			if r := []rune(s); len(r) > 300 {
				s = string(r[:300])
			}
			out = append(out, s)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func findApplicationURL(text string) string {
	var first string
	for _, line := range strings.Split(text, "\n") {
		u := reURL.FindString(line)
		if u == "" {
			continue
		}
		u = strings.TrimRight(u, ".,;:")
		if span(textnorm.Fold(line)).containsAny(applicationCues) {
			return u
		}
		if first == "" {
			first = u
		}
	}
	return first
}
