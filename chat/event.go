package chat

import (
	"encoding/json"
	"log/slog"
)

// Kind tags a ChatEvent variant.
type Kind string

const (
	KindJoin    Kind = "join"
	KindPart    Kind = "part"
	KindMessage Kind = "message"
	KindHost    Kind = "host"
	KindHosted  Kind = "hosted"
)

// Event is a normalized inbound chat notification. The concrete types are
// JoinEvent, PartEvent, MessageEvent, HostEvent and HostedEvent; their JSON
// encoding is the payload handed to sinks.
type Event interface {
	Kind() Kind
	ChannelName() string
	slog.LogValuer
}

// JoinEvent is emitted when a user joins a channel.
type JoinEvent struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
}

// PartEvent is emitted when a user leaves a channel.
type PartEvent struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
}

// MessageEvent is a chat message with the sender's flattened role and badge info.
type MessageEvent struct {
	Channel string      `json:"channel"`
	User    string      `json:"user"`
	Message string      `json:"message"`
	Misc    MessageMisc `json:"misc"`
}

// MessageMisc carries message metadata.
type MessageMisc struct {
	ID   string   `json:"id"`
	User UserInfo `json:"user"`
}

// UserInfo is the sender's display and role information at the time of the message.
type UserInfo struct {
	DisplayName   string   `json:"displayName"`
	UserType      string   `json:"userType"`
	Color         string   `json:"color"`
	IsBroadcaster bool     `json:"isBroadcaster"`
	IsSubscriber  bool     `json:"isSubscriber"`
	IsFounder     bool     `json:"isFounder"`
	IsMod         bool     `json:"isMod"`
	IsVip         bool     `json:"isVip"`
	IsCheer       bool     `json:"isCheer"`
	TotalBits     int      `json:"totalBits"`
	Badges        []string `json:"badges"`
}

// HostEvent is emitted when Channel starts hosting Target.
type HostEvent struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Viewers int    `json:"viewers"`
}

// HostedEvent is emitted when ByChannel hosts Channel.
type HostedEvent struct {
	Channel   string `json:"channel"`
	ByChannel string `json:"byChannel"`
	Auto      bool   `json:"auto"`
	Viewers   int    `json:"viewers"`
}

func (JoinEvent) Kind() Kind    { return KindJoin }
func (PartEvent) Kind() Kind    { return KindPart }
func (MessageEvent) Kind() Kind { return KindMessage }
func (HostEvent) Kind() Kind    { return KindHost }
func (HostedEvent) Kind() Kind  { return KindHosted }

func (e JoinEvent) ChannelName() string    { return e.Channel }
func (e PartEvent) ChannelName() string    { return e.Channel }
func (e MessageEvent) ChannelName() string { return e.Channel }
func (e HostEvent) ChannelName() string    { return e.Channel }
func (e HostedEvent) ChannelName() string  { return e.Channel }

func (e JoinEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.String("channel", e.Channel), slog.String("user", e.User))
}

func (e PartEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.String("channel", e.Channel), slog.String("user", e.User))
}

// LogValue keeps the sender's flags under a "user" group so text output reads
// user.isMod=true user.totalBits=5 and so on.
func (e MessageEvent) LogValue() slog.Value {
	u := e.Misc.User
	return slog.GroupValue(
		slog.String("channel", e.Channel),
		slog.String("message", e.Message),
		slog.String("id", e.Misc.ID),
		slog.Group("user",
			slog.String("name", e.User),
			slog.String("displayName", u.DisplayName),
			slog.String("userType", u.UserType),
			slog.String("color", u.Color),
			slog.Bool("isBroadcaster", u.IsBroadcaster),
			slog.Bool("isSubscriber", u.IsSubscriber),
			slog.Bool("isFounder", u.IsFounder),
			slog.Bool("isMod", u.IsMod),
			slog.Bool("isVip", u.IsVip),
			slog.Bool("isCheer", u.IsCheer),
			slog.Int("totalBits", u.TotalBits),
			slog.Any("badges", badgeList(u.Badges)),
		),
	)
}

// badgeList logs as a JSON array under both the text and JSON handlers.
type badgeList []string

func (b badgeList) MarshalJSON() ([]byte, error) { return json.Marshal([]string(b)) }
func (b badgeList) MarshalText() ([]byte, error) { return json.Marshal([]string(b)) }

func (e HostEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel", e.Channel),
		slog.String("target", e.Target),
		slog.Int("viewers", e.Viewers),
	)
}

func (e HostedEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel", e.Channel),
		slog.String("byChannel", e.ByChannel),
		slog.Bool("auto", e.Auto),
		slog.Int("viewers", e.Viewers),
	)
}
