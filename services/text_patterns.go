package services

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/victorrobotxt/Dali/models"
)

var (
	vatExcludedPattern    = regexp.MustCompile(`(?i)(цената е без ддс|без ддс|vat excluded|no vat|не се начислява ддс)`)
	privateOnlyPattern    = regexp.MustCompile(`(?i)(само за частни лица|частни лица|без агенции|колеги не)`)
	conversionPattern     = regexp.MustCompile(`(?i)(преустроена? гарсониера|усвоен.*?балкон|кухня.*?коридор|бивша.*?кухня|маломерен|боксониера)`)
	atelierStatutePattern = regexp.MustCompile(`(?i)(статут.*?ателие|статут на ателие|студио|творческо ателие)`)
	groundFloorPattern    = regexp.MustCompile(`(?i)(партер|етаж 1 от|висок партер|кота 0|сутерен)`)
	completionYearPattern = regexp.MustCompile(`(\d{4})\s?г\.`)
	act15Pattern          = regexp.MustCompile(`(?i)(акт|act)\s*(обр\.?\s*)?(№\s*)?15(\D|$)`)
	noElevatorPattern     = regexp.MustCompile(`(?i)(без асансьор|няма асансьор|no elevator|without an? elevator)`)
	floorOfPattern        = regexp.MustCompile(`(?i)етаж\s*\d{1,2}\s*(?:от|/)\s*(\d{1,2})`)
	storeysPattern        = regexp.MustCompile(`(?i)(\d{1,2})\s*-?\s*етажн`)
)

// Legal keywords are matched as whole words against the upper-cased text
var (
	rightOfUseKeywords  = []string{"ПРАВО НА ПОЛЗВАНЕ", "ПРАВО НА ПОЛЗУВАНЕ", "ПОЖИЗНЕНО", "USER RIGHT", "RIGHT OF USE"}
	litigationKeywords  = []string{"ИСКОВА МОЛБА", "СЪДЕБЕН", "LITIGATION", "CLAIM"}
	distraintKeywords   = []string{"ВЪЗБРАНА", "ЧСИ", "НАП", "DISTRAINT"}
	northFacingKeywords = []string{"СЕВЕР", "NORTH"}
)

const (
	minCompletionYear = 2020
	maxCompletionYear = 2040
)

// DetectTextSignals scans listing text for commercial and legal phrases
func DetectTextSignals(text string) models.TextSignals {
	upper := strings.ToUpper(text)

	signals := models.TextSignals{
		VATExcluded:    vatExcludedPattern.MatchString(text),
		PrivateOnly:    privateOnlyPattern.MatchString(text),
		ConversionRisk: conversionPattern.MatchString(text),
		AtelierStatute: atelierStatutePattern.MatchString(text),
		GroundFloor:    groundFloorPattern.MatchString(text),
		NorthFacing:    containsPrefix(upper, northFacingKeywords),
		Litigation:     containsAny(upper, litigationKeywords),
		Distraint:      containsAny(upper, distraintKeywords),
		RightOfUse:     containsAny(upper, rightOfUseKeywords),
		Act15:          act15Pattern.MatchString(text),
		NoElevator:     noElevatorPattern.MatchString(text),
		FloorCount:     buildingFloors(text),
	}

	for _, match := range completionYearPattern.FindAllStringSubmatch(text, -1) {
		year, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if year > minCompletionYear && year < maxCompletionYear && year > signals.CompletionYear {
			signals.CompletionYear = year
		}
	}

	return signals
}

// buildingFloors reads the building height from "етаж 3 от 8" or "8-етажна сграда"
func buildingFloors(text string) int {
	floors := 0
	for _, pattern := range []*regexp.Regexp{floorOfPattern, storeysPattern} {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if n, err := strconv.Atoi(match[1]); err == nil && n > floors {
				floors = n
			}
		}
	}
	return floors
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if containsWord(text, keyword) {
			return true
		}
	}
	return false
}

// containsPrefix matches keywords that may carry a suffix, as in СЕВЕРНО or NORTHERN
func containsPrefix(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// containsWord reports whether word occurs in text not adjacent to other letters.
// regexp \b only knows ASCII word characters, so Cyrillic needs this.
func containsWord(text, word string) bool {
	for offset := 0; offset < len(text); {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)

		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !unicode.IsLetter(before)) && (end == len(text) || !unicode.IsLetter(after)) {
			return true
		}
		offset = start + len(word)
	}
	return false
}
