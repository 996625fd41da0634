package chat

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// hostNoticeUser is the system account that announces incoming hosts as a PRIVMSG.
const hostNoticeUser = "jtv"

// "Foo is now hosting you.", "Foo is now auto hosting you for up to 12 viewers."
var hostedRe = regexp.MustCompile(`^(\w+) is now ((?:auto[- ]?)?)hosting you(?: for(?: up to)? (\d+))?`)

// JoinFromIRC converts a membership JOIN.
func JoinFromIRC(m twitch.UserJoinMessage) JoinEvent {
	return JoinEvent{Channel: m.Channel, User: m.User}
}

// PartFromIRC converts a membership PART.
func PartFromIRC(m twitch.UserPartMessage) PartEvent {
	return PartEvent{Channel: m.Channel, User: m.User}
}

// HostedFromIRC recognizes the jtv host announcement carried as a PRIVMSG.
func HostedFromIRC(m twitch.PrivateMessage) (HostedEvent, bool) {
	if !strings.EqualFold(m.User.Name, hostNoticeUser) {
		return HostedEvent{}, false
	}
	sm := hostedRe.FindStringSubmatch(strings.TrimSpace(m.Message))
	if sm == nil {
		return HostedEvent{}, false
	}
	return HostedEvent{
		Channel:   m.Channel,
		ByChannel: strings.ToLower(sm[1]),
		Auto:      sm[2] != "",
		Viewers:   atoiOrZero(sm[3]),
	}, true
}

// MessageFromIRC flattens a PRIVMSG and its tags into a MessageEvent.
func MessageFromIRC(m twitch.PrivateMessage) MessageEvent {
	badges := badgeNames(m.Tags["badges"], m.User.Badges)
	has := func(name string) bool {
		_, ok := m.User.Badges[name]
		return ok
	}
	return MessageEvent{
		Channel: m.Channel,
		User:    m.User.Name,
		Message: m.Message,
		Misc: MessageMisc{
			ID: m.ID,
			User: UserInfo{
				DisplayName:   m.User.DisplayName,
				UserType:      m.Tags["user-type"],
				Color:         m.User.Color,
				IsBroadcaster: has("broadcaster"),
				IsSubscriber:  m.Tags["subscriber"] == "1" || has("subscriber"),
				IsFounder:     has("founder"),
				IsMod:         m.Tags["mod"] == "1" || has("moderator"),
				IsVip:         has("vip"),
				IsCheer:       m.Bits > 0,
				TotalBits:     max(m.Bits, 0),
				Badges:        badges,
			},
		},
	}
}

// HostFromIRC parses a HOSTTARGET line, which the client library delivers unparsed.
// An unhost ("-" target) is not an event.
func HostFromIRC(m twitch.RawMessage) (HostEvent, bool) {
	if m.RawType != "" && m.RawType != "HOSTTARGET" {
		return HostEvent{}, false
	}
	return parseHostTarget(m.Raw)
}

func parseHostTarget(line string) (HostEvent, bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "@") {
		_, line, _ = strings.Cut(line, " ")
	}
	if strings.HasPrefix(line, ":") {
		_, line, _ = strings.Cut(line, " ")
	}
	head, trailing, _ := strings.Cut(line, " :")
	params := strings.Fields(head)
	if len(params) < 2 || params[0] != "HOSTTARGET" {
		return HostEvent{}, false
	}
	fields := strings.Fields(trailing)
	if len(fields) == 0 || fields[0] == "-" {
		return HostEvent{}, false
	}
	ev := HostEvent{
		Channel: strings.TrimPrefix(params[1], "#"),
		Target:  fields[0],
	}
	if len(fields) > 1 {
		ev.Viewers = atoiOrZero(fields[1])
	}
	return ev, true
}

// badgeNames keeps the order of the raw badges tag ("subscriber/12,vip/1").
// Without the tag the parsed map is used in sorted order.
func badgeNames(tag string, parsed map[string]int) []string {
	out := []string{}
	if tag != "" {
		for _, b := range strings.Split(tag, ",") {
			name, _, _ := strings.Cut(b, "/")
			if name != "" {
				out = append(out, name)
			}
		}
		return out
	}
	for name := range parsed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
