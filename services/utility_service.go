package services

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	htmlTagPattern     = regexp.MustCompile(`<[^>]*>`)
	numberGroupPattern = regexp.MustCompile(`\d[\d\s.,]*`)
	addressDistrict    = regexp.MustCompile(`(?i)(ж\.?\s?к\.|кв\.|квартал|р-н|район)\s*[^,]+`)
	districtPrefix     = regexp.MustCompile(`(?i)^(ж\.?\s?к\.?|квартал|кв\.?|район|р-н|zh\.?\s?k\.?|kv\.?)\s*`)
)

// UtilityService provides text processing and normalization for Bulgarian listing content
type UtilityService struct{}

// NewUtilityService creates a new utility service instance
func NewUtilityService() *UtilityService {
	return &UtilityService{}
}

// NormalizeTextContent trims and collapses whitespace, dropping any leftover markup
func (s *UtilityService) NormalizeTextContent(text string) string {
	if text == "" {
		return ""
	}
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, " ", " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// ExtractNumeric parses the first number in text such as "139 000 €", "1.250,50 лв" or "47 кв.м"
func (s *UtilityService) ExtractNumeric(text string) float64 {
	text = strings.ReplaceAll(strings.TrimSpace(text), " ", " ")
	match := numberGroupPattern.FindString(text)
	if match == "" {
		return 0
	}

	match = strings.ReplaceAll(strings.TrimSpace(match), " ", "")
	match = strings.TrimRight(match, ".,")

	lastDot := strings.LastIndex(match, ".")
	lastComma := strings.LastIndex(match, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// the later separator is the decimal one
		if lastComma > lastDot {
			match = strings.ReplaceAll(match, ".", "")
			match = strings.Replace(match, ",", ".", 1)
		} else {
			match = strings.ReplaceAll(match, ",", "")
		}
	case lastComma >= 0:
		if len(match)-lastComma-1 == 3 {
			match = strings.ReplaceAll(match, ",", "")
		} else {
			match = strings.Replace(match, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(match, ".") > 1 || len(match)-lastDot-1 == 3 {
			match = strings.ReplaceAll(match, ".", "")
		}
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return value
}

// NormalizeNeighborhood folds a district name to an uppercase Latin key so that
// "ж.к. Лозенец", "Lozenets" and "LOZENETS" compare equal
func (s *UtilityService) NormalizeNeighborhood(name string) string {
	name = s.NormalizeTextContent(name)
	if name == "" {
		return ""
	}
	if idx := strings.LastIndex(name, ","); idx >= 0 {
		name = strings.TrimSpace(name[idx+1:])
	}
	name = districtPrefix.ReplaceAllString(name, "")
	name = Transliterate(strings.ToLower(name))
	name = strings.ToUpper(strings.Join(strings.Fields(strings.NewReplacer("-", " ", ".", " ").Replace(name)), " "))

	// common spelling variants
	switch name {
	case "CENTRE", "TSENTAR", "TSENTUR":
		return "CENTER"
	}
	return name
}

// AddressDistrict extracts the normalized district from a registry address
// such as "гр. София, р-н Лозенец, ул. Крум Попов 12". It returns "" when the address names none.
func (s *UtilityService) AddressDistrict(address string) string {
	match := addressDistrict.FindString(s.NormalizeTextContent(address))
	if match == "" {
		return ""
	}
	return s.NormalizeNeighborhood(match)
}

var bulgarianLatin = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ж': "zh", 'з': "z",
	'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m", 'н': "n", 'о': "o", 'п': "p",
	'р': "r", 'с': "s", 'т': "t", 'у': "u", 'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch",
	'ш': "sh", 'щ': "sht", 'ъ': "a", 'ь': "y", 'ю': "yu", 'я': "ya",
}

// Transliterate maps lowercase Bulgarian Cyrillic to the official Latin transcription
func Transliterate(text string) string {
	var b strings.Builder
	for _, r := range text {
		if latin, ok := bulgarianLatin[r]; ok {
			b.WriteString(latin)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DistrictStrictness is how hard a Sofia district administration is on address
// registration for non-residential units
type DistrictStrictness struct {
	Strictness       int
	KindergartenRisk string
}

var sofiaDistricts = map[string]DistrictStrictness{
	"OBORISHTE":     {Strictness: 5, KindergartenRisk: "Critical"},
	"PODUYANE":      {Strictness: 5, KindergartenRisk: "High"},
	"CENTER":        {Strictness: 4, KindergartenRisk: "High"},
	"LOZENETS":      {Strictness: 4, KindergartenRisk: "Moderate"},
	"TRIADITSA":     {Strictness: 4, KindergartenRisk: "High"},
	"MLADOST":       {Strictness: 3, KindergartenRisk: "Moderate"},
	"VITOSHA":       {Strictness: 2, KindergartenRisk: "Low"},
	"KRASTOVA VADA": {Strictness: 2, KindergartenRisk: "Low"},
	"STUDENTSKI":    {Strictness: 1, KindergartenRisk: "Low"},
}

// LookupDistrict returns the strictness profile of a normalized district, defaulting to 3
func LookupDistrict(normalized string) DistrictStrictness {
	for key, profile := range sofiaDistricts {
		if normalized == key || strings.HasPrefix(normalized, key+" ") {
			return profile
		}
	}
	return DistrictStrictness{Strictness: 3, KindergartenRisk: "Unknown"}
}
