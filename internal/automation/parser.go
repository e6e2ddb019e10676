package automation

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// The course list marks each row's number with a bs_sknr cell; the cells
// after it are detail, day, time, location, duration, guidance and the
// booking cell. A row is bookable when the booking cell offers "buchen".
func parseCourseRow(html []byte, courseNumber int) (Snapshot, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("parse course page: %w", err)
	}

	want := strconv.Itoa(courseNumber)
	var snap Snapshot
	found := false

	doc.Find(".bs_sknr").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != want {
			return true
		}
		cells := s.NextAll()
		text := func(i int) string { return strings.TrimSpace(cells.Eq(i).Text()) }
		snap = Snapshot{
			CourseNumber: courseNumber,
			Detail:       text(0),
			Day:          text(1),
			TimeRange:    text(2),
			Location:     text(3),
			Duration:     text(4),
			Guidance:     text(5),
			Bookable:     strings.EqualFold(cells.Eq(6).Find("input").AttrOr("value", text(6)), "buchen"),
		}
		found = true
		return false
	})

	return snap, found, nil
}

// parseOpenTokens extracts the name attributes of all booking buttons in
// the claim view. Each name encodes one bookable date.
func parseOpenTokens(html []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse claim view: %w", err)
	}

	var tokens []string
	doc.Find(`input[value="buchen"]`).Each(func(_ int, s *goquery.Selection) {
		if name := strings.TrimSpace(s.AttrOr("name", "")); name != "" {
			tokens = append(tokens, name)
		}
	})
	return tokens, nil
}
