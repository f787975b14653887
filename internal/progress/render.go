package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// FooterInfo carries the execution facts the admin debug footer shows.
type FooterInfo struct {
	Timeline *Timeline
	Usage    *providers.Usage
	Model    string
	Duration time.Duration
	Workflow string // execution ID for delegated runs, if any
}

// RenderFinal produces the text for the final message edit: the
// assistant's reply sanitised for the platform, with an admin debug
// footer or a plain tool summary appended.
func RenderFinal(platform, content string, admin bool, info FooterInfo) string {
	out := transport.Sanitize(platform, content)

	if admin {
		if footer := renderFooter(info); footer != "" {
			out += "\n\n" + footer
		}
	} else if info.Timeline != nil {
		if summary := info.Timeline.Summary(); summary != "" {
			out += "\n\n_" + summary + "_"
		}
	}

	return transport.TruncateForPlatform(platform, out)
}

func renderFooter(info FooterInfo) string {
	var parts []string

	if info.Timeline != nil {
		if tl := info.Timeline.RenderAdmin(); tl != "" {
			parts = append(parts, tl)
		}
	}

	var facts []string
	if info.Duration > 0 {
		facts = append(facts, fmt.Sprintf("%.1fs", info.Duration.Seconds()))
	}
	if info.Usage != nil {
		facts = append(facts, fmt.Sprintf("tokens %d in / %d out", info.Usage.PromptTokens, info.Usage.CompletionTokens))
	}
	if info.Model != "" {
		facts = append(facts, info.Model)
	}
	if info.Workflow != "" {
		facts = append(facts, "wf:"+info.Workflow)
	}
	if len(facts) > 0 {
		parts = append(parts, strings.Join(facts, " · "))
	}

	if len(parts) == 0 {
		return ""
	}
	return "—\n" + strings.Join(parts, "\n")
}

// RenderFailure produces the user-visible failure message: a single
// generic apology, with the last few errors appended for admins.
func RenderFailure(platform string, admin bool, errs []string) string {
	msg := "Sorry, something went wrong while processing your message. Please try again."
	if admin && len(errs) > 0 {
		if len(errs) > 3 {
			errs = errs[len(errs)-3:]
		}
		msg += "\n\nRecent errors:\n"
		for _, e := range errs {
			msg += "• " + e + "\n"
		}
		msg = strings.TrimRight(msg, "\n")
	}
	return transport.TruncateForPlatform(platform, msg)
}
