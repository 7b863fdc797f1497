package conclave

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DirectiveKind identifies which action a parsed Chief directive selects.
type DirectiveKind string

const (
	// DirectiveActivation schedules one or more agent activations.
	DirectiveActivation DirectiveKind = "activation"
	// DirectiveTeam activates every member of a named team.
	DirectiveTeam DirectiveKind = "team"
	// DirectiveCreation requests creation of a new agent.
	DirectiveCreation DirectiveKind = "agent-creation"
	// DirectiveAskUser routes a question to the external input collaborator.
	DirectiveAskUser DirectiveKind = "ask-user"
	// DirectiveFinal yields the session result.
	DirectiveFinal DirectiveKind = "final"
	// DirectiveHalt stops the session.
	DirectiveHalt DirectiveKind = "halt"
)

// Directive is the single trailing tag block of a Chief reply. Exactly one
// of the payload fields matching Kind is populated.
type Directive struct {
	Kind DirectiveKind

	Activations  []ActivationInfo
	Team         *TeamActivationInfo
	Creation     *AgentCreationRequest
	Question     string
	FinalTag     string
	FinalPayload string
	HaltReason   string

	// Warnings records recoverable irregularities (clamped modifier values,
	// unknown modifiers). The session logs them.
	Warnings []string
}

const (
	// maxSessionHistory bounds [SESSION_HISTORY_COUNT=N]; out-of-range
	// values are clamped with a warning.
	maxSessionHistory = 25
)

var (
	finalOpenRe = regexp.MustCompile(`\[(FINAL_[A-Za-z0-9_]+)\]`)
	modifierRe  = regexp.MustCompile(`\[([A-Z_]+)=([^\]]*)\]`)
)

// directive openers checked for the last occurrence. The block starting
// latest in the text wins.
var directiveOpeners = []struct {
	kind DirectiveKind
	open string
}{
	{DirectiveActivation, "[ACTIVATION_DIRECTIVES]"},
	{DirectiveTeam, "[ACTIVATE_TEAM]"},
	{DirectiveCreation, "[REQUEST_AGENT_CREATION]"},
	{DirectiveAskUser, "[ACTION_ASK_USER]"},
	{DirectiveHalt, "[ACTION_HALT]"},
}

// ParseDirective extracts the trailing directive block from a Chief reply.
// The parser is greedy on the last occurrence: the block whose opening tag
// appears last in the text is selected, and any non-whitespace text after
// its closing tag is a *ParseError.
func ParseDirective(text string) (Directive, error) {
	kind := DirectiveKind("")
	open := ""
	start := -1
	for _, cand := range directiveOpeners {
		if i := strings.LastIndex(text, cand.open); i > start {
			kind, open, start = cand.kind, cand.open, i
		}
	}
	finalTag := ""
	if m := finalOpenRe.FindAllStringSubmatchIndex(text, -1); len(m) > 0 {
		last := m[len(m)-1]
		if last[0] > start {
			kind = DirectiveFinal
			finalTag = text[last[2]:last[3]]
			open = "[" + finalTag + "]"
			start = last[0]
		}
	}
	if start < 0 {
		return Directive{}, &ParseError{Message: "no directive block found"}
	}

	closeTag := "[/" + strings.TrimPrefix(strings.TrimSuffix(open, "]"), "[") + "]"
	rest := text[start+len(open):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return Directive{}, &ParseError{Message: "unterminated " + open + " block"}
	}
	inner := rest[:end]
	if trailing := strings.TrimSpace(rest[end+len(closeTag):]); trailing != "" {
		return Directive{}, &ParseError{Message: fmt.Sprintf("unexpected text after %s: %.40q", closeTag, trailing)}
	}

	d := Directive{Kind: kind}
	switch kind {
	case DirectiveActivation:
		if err := parseActivations(inner, &d); err != nil {
			return Directive{}, err
		}
	case DirectiveTeam:
		if err := parseTeamActivation(inner, &d); err != nil {
			return Directive{}, err
		}
	case DirectiveCreation:
		if err := parseCreation(inner, &d); err != nil {
			return Directive{}, err
		}
	case DirectiveAskUser:
		d.Question = strings.TrimSpace(inner)
		if d.Question == "" {
			return Directive{}, &ParseError{Message: "empty [ACTION_ASK_USER] block"}
		}
	case DirectiveFinal:
		d.FinalTag = finalTag
		d.FinalPayload = strings.TrimSpace(inner)
	case DirectiveHalt:
		d.HaltReason = strings.TrimSpace(inner)
	}
	return d, nil
}

// parseActivations parses the [ACTIVATE]name:focus[MOD]*[/ACTIVATE]
// entries of an activation block.
func parseActivations(inner string, d *Directive) error {
	rest := inner
	for {
		start := strings.Index(rest, "[ACTIVATE]")
		if start < 0 {
			break
		}
		rest = rest[start+len("[ACTIVATE]"):]
		end := strings.Index(rest, "[/ACTIVATE]")
		if end < 0 {
			return &ParseError{Message: "unterminated [ACTIVATE] entry"}
		}
		entry := rest[:end]
		rest = rest[end+len("[/ACTIVATE]"):]

		info, warns, err := parseActivationEntry(entry)
		if err != nil {
			return err
		}
		d.Activations = append(d.Activations, info)
		d.Warnings = append(d.Warnings, warns...)
	}
	if len(d.Activations) == 0 {
		return &ParseError{Message: "activation block contains no [ACTIVATE] entries"}
	}
	return nil
}

// parseActivationEntry parses "name:focus" plus trailing modifiers.
func parseActivationEntry(entry string) (ActivationInfo, []string, error) {
	head, mods := splitModifiers(entry)
	name, focus, ok := strings.Cut(head, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return ActivationInfo{}, nil, &ParseError{Message: "activation entry missing name:focus"}
	}

	info := ActivationInfo{
		Module: strings.TrimSpace(name),
		Focus:  strings.TrimSpace(focus),
		Phase:  1,
	}
	var warns []string
	for _, m := range modifierRe.FindAllStringSubmatch(mods, -1) {
		key, val := m[1], strings.TrimSpace(m[2])
		switch key {
		case "HISTORY_MODE":
			mode, ok := ParseHistoryMode(val)
			if !ok {
				warns = append(warns, fmt.Sprintf("%s: unknown history mode %q, ignored", info.Module, val))
				continue
			}
			info.HistoryMode = mode
		case "SESSION_HISTORY_COUNT":
			n, err := strconv.Atoi(val)
			if err != nil {
				warns = append(warns, fmt.Sprintf("%s: invalid SESSION_HISTORY_COUNT %q, using 0", info.Module, val))
				continue
			}
			if n < 0 || n > maxSessionHistory {
				warns = append(warns, fmt.Sprintf("%s: SESSION_HISTORY_COUNT %d out of [0,%d], clamped", info.Module, n, maxSessionHistory))
				n = min(max(n, 0), maxSessionHistory)
			}
			info.SessionHistoryCount = n
		case "PHASE":
			k, err := strconv.Atoi(val)
			if err != nil || k < 1 {
				warns = append(warns, fmt.Sprintf("%s: invalid PHASE %q, using 1", info.Module, val))
				k = 1
			}
			info.Phase = k
		case "DEPENDS_ON":
			for _, dep := range strings.Split(val, ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					info.DependsOn = append(info.DependsOn, dep)
				}
			}
		default:
			warns = append(warns, fmt.Sprintf("%s: unknown modifier [%s], ignored", info.Module, key))
		}
	}
	return info, warns, nil
}

// parseTeamActivation parses "teamName:focus" plus modifiers.
func parseTeamActivation(inner string, d *Directive) error {
	head, mods := splitModifiers(inner)
	name, focus, ok := strings.Cut(head, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return &ParseError{Message: "team activation missing name:focus"}
	}
	team := &TeamActivationInfo{
		Team:  strings.TrimSpace(name),
		Focus: strings.TrimSpace(focus),
	}
	for _, m := range modifierRe.FindAllStringSubmatch(mods, -1) {
		key, val := m[1], strings.TrimSpace(m[2])
		switch key {
		case "HISTORY_MODE":
			if mode, ok := ParseHistoryMode(val); ok {
				team.HistoryMode = mode
			} else {
				d.Warnings = append(d.Warnings, fmt.Sprintf("team %s: unknown history mode %q, ignored", team.Team, val))
			}
		case "SESSION_HISTORY_COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 || n > maxSessionHistory {
				d.Warnings = append(d.Warnings, fmt.Sprintf("team %s: SESSION_HISTORY_COUNT %q clamped", team.Team, val))
				n = min(max(n, 0), maxSessionHistory)
			}
			team.SessionHistoryCount = n
		default:
			d.Warnings = append(d.Warnings, fmt.Sprintf("team %s: unknown modifier [%s], ignored", team.Team, key))
		}
	}
	d.Team = team
	return nil
}

// parseCreation parses the [NAME]/[PURPOSE]/[CAPABILITIES]/[PROMPT]
// sub-blocks of an agent creation request.
func parseCreation(inner string, d *Directive) error {
	name, ok := subBlock(inner, "NAME")
	if !ok || strings.TrimSpace(name) == "" {
		return &ParseError{Message: "agent creation missing [NAME]"}
	}
	purpose, _ := subBlock(inner, "PURPOSE")
	prompt, ok := subBlock(inner, "PROMPT")
	if !ok || strings.TrimSpace(prompt) == "" {
		return &ParseError{Message: "agent creation missing [PROMPT]"}
	}

	req := &AgentCreationRequest{
		Name:    strings.TrimSpace(name),
		Purpose: strings.TrimSpace(purpose),
	}
	if caps, ok := subBlock(inner, "CAPABILITIES"); ok {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				req.Capabilities = append(req.Capabilities, c)
			}
		}
	}
	if header, ok := subBlock(prompt, "HEADER"); ok {
		req.PromptHeader = strings.TrimSpace(header)
		hOpen := strings.Index(prompt, "[HEADER]")
		hClose := strings.Index(prompt, "[/HEADER]") + len("[/HEADER]")
		req.PromptBody = strings.TrimSpace(prompt[:hOpen] + prompt[hClose:])
	} else {
		req.PromptBody = strings.TrimSpace(prompt)
	}
	d.Creation = req
	return nil
}

// splitModifiers splits "name:focus[MOD]..." at the first modifier tag.
func splitModifiers(s string) (head, mods string) {
	if i := modifierRe.FindStringIndex(s); i != nil {
		return s[:i[0]], s[i[0]:]
	}
	return s, ""
}

// subBlock extracts the inner text of the first [TAG]...[/TAG] pair.
func subBlock(s, tag string) (string, bool) {
	openTag, closeTag := "["+tag+"]", "[/"+tag+"]"
	i := strings.Index(s, openTag)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(openTag):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}
