package stats

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

func FormatDaily(st DailyStat) string {
	var b strings.Builder
	b.WriteString("📊 Daily report " + st.Date.String() + "\n")
	b.WriteString(printer.Sprintf("Completed: %d of %d members\n", st.CompletedCount, st.TotalMembers))
	b.WriteString(printer.Sprintf("Completion rate: %.1f%%", st.CompletionRate))
	return b.String()
}

func FormatMonthly(st MonthlyStat) string {
	var b strings.Builder
	b.WriteString("📅 Monthly report " + st.Month.String() + " " + strconv.Itoa(st.Year) + "\n")
	b.WriteString(printer.Sprintf("Reading days: %d of %d\n", st.ReadingDays, st.TotalDaysInMonth))
	b.WriteString(printer.Sprintf("Total completions: %d\n", st.TotalCompletions))
	b.WriteString(printer.Sprintf("Average rate: %.1f%%", st.AverageRate))
	return b.String()
}

func FormatOverall(st OverallStat) string {
	var b strings.Builder
	b.WriteString("🏁 Campaign complete\n")
	b.WriteString(st.StartDate.String() + " → " + st.EndDate.String() + "\n")
	b.WriteString(printer.Sprintf("Readings: %d\n", st.TotalReadings))
	b.WriteString(printer.Sprintf("Report days: %d\n", st.TotalDays))
	b.WriteString(printer.Sprintf("Total completions: %d\n", st.TotalCompletions))
	b.WriteString(printer.Sprintf("Average rate: %.1f%%", st.AverageRate))
	if len(st.TopParticipants) > 0 {
		b.WriteString("\n\nTop participants:")
		for i, p := range st.TopParticipants {
			b.WriteString(printer.Sprintf("\n%d. %s (%d)", i+1, p.DisplayName(), p.Count))
		}
	}
	return b.String()
}
