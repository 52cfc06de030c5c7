package versize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID           = "100000000000000001"
	testApplicationsForum = "200000000000000001"
	testApplicationsText  = "200000000000000002"
	testAuditChannel      = "200000000000000003"
	testLeadersLogChannel = "200000000000000004"
	testBlacklistChannel  = "200000000000000005"
	testPanelChannel      = "200000000000000006"
	testReviewerRole      = "300000000000000001"
	testOtherRole         = "300000000000000002"
)

var errFakeDiscord = errors.New("discord request failed")

func TestMain(m *testing.M) {
	defaultLogWriter = io.Discard
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
	os.Exit(m.Run())
}

// newTestVersize returns a Versize with a migrated sqlite database and
// a fake Discord session. Nothing is started.
func newTestVersize(t testing.TB) (*Versize, *fakeDiscordSession) {
	t.Helper()
	return newTestVersizeWithConfig(t, DefaultTestConfig(t))
}

func newTestVersizeWithConfig(t testing.TB, cfg *Config) (*Versize, *fakeDiscordSession) {
	t.Helper()

	v, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, v.initRun(ctx))
	t.Cleanup(
		func() {
			sqlDB, _ := v.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	session := newFakeDiscordSession()
	session.addChannel(&discordgo.Channel{ID: testApplicationsForum, Type: discordgo.ChannelTypeGuildForum})
	session.addChannel(&discordgo.Channel{ID: testApplicationsText, Type: discordgo.ChannelTypeGuildText})
	session.addChannel(&discordgo.Channel{ID: testAuditChannel, Type: discordgo.ChannelTypeGuildText})
	session.addChannel(&discordgo.Channel{ID: testLeadersLogChannel, Type: discordgo.ChannelTypeGuildText})
	session.addChannel(&discordgo.Channel{ID: testBlacklistChannel, Type: discordgo.ChannelTypeGuildText})
	session.addChannel(&discordgo.Channel{ID: testPanelChannel, Type: discordgo.ChannelTypeGuildText})
	v.discord.session = session
	return v, session
}

// setTestChannels replaces the runtime channel settings
func setTestChannels(t testing.TB, v *Versize, channels ChannelsConfig) {
	t.Helper()
	v.cfgMu.Lock()
	defer v.cfgMu.Unlock()
	rc := *v.runtimeConfig
	rc.ApplicationsChannelID = channels.Applications
	rc.AuditChannelID = channels.Audit
	rc.LeadersLogChannelID = channels.LeadersLog
	rc.BlacklistChannelID = channels.Blacklist
	v.config.Channels = &ChannelsConfig{}
	v.runtimeConfig = &rc
}

var testIDCounter atomic.Int64

// newTestSnowflake returns a unique, numeric ID
func newTestSnowflake() string {
	return strconv.FormatInt(500000000000000000+testIDCounter.Add(1), 10)
}

func newTestUser(t testing.TB) *discordgo.User {
	t.Helper()
	id := newTestSnowflake()
	return &discordgo.User{
		ID:         id,
		Username:   "user_" + id,
		GlobalName: t.Name(),
	}
}

func newTestMember(u *discordgo.User, roles ...string) *discordgo.Member {
	return &discordgo.Member{
		User:    u,
		GuildID: testGuildID,
		Roles:   roles,
	}
}

func newReviewerMember(t testing.TB) *discordgo.Member {
	t.Helper()
	return newTestMember(newTestUser(t), testReviewerRole)
}

func newSlashCommandInteraction(
	member *discordgo.Member,
	channelID string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newTestSnowflake(),
			AppID:     "app",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Member:    member,
			Token:     "token_" + name,
			Data: discordgo.ApplicationCommandInteractionData{
				ID:          newTestSnowflake(),
				Name:        name,
				CommandType: discordgo.ChatApplicationCommand,
				Options:     options,
			},
		},
	}
}

func newComponentInteraction(
	member *discordgo.Member,
	channelID string,
	customID string,
	message *discordgo.Message,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newTestSnowflake(),
			Type:      discordgo.InteractionMessageComponent,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Member:    member,
			Message:   message,
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

func newModalInteraction(
	member *discordgo.Member,
	channelID string,
	customID string,
	values map[string]string,
) *discordgo.InteractionCreate {
	rows := make([]discordgo.MessageComponent, 0, len(values))
	for id, value := range values {
		rows = append(
			rows,
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: id, Value: value},
				},
			},
		)
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newTestSnowflake(),
			Type:      discordgo.InteractionModalSubmit,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Member:    member,
			Data: discordgo.ModalSubmitInteractionData{
				CustomID:   customID,
				Components: rows,
			},
		},
	}
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func userOption(name, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func subcommandOption(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

// validApplicationValues returns modal values that pass validation
func validApplicationValues() map[string]string {
	return map[string]string{
		fieldName:       "Иван",
		fieldDiscord:    "ivan#0001",
		fieldIC:         "Ivan Petrov #4411",
		fieldHistory:    "Играл в трёх семьях, был заместителем.",
		fieldMotivation: "Хочу развиваться вместе с семьёй.",
	}
}

// stubInteractionHandler records what's sent in response to an
// interaction, in place of the gateway or webhook
type stubInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	responses   []*discordgo.InteractionResponse
	edits       []*discordgo.WebhookEdit
	deletes     int
	respondErr  error
	logger      *slog.Logger
}

func newStubInteractionHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: i,
		logger:      slog.New(newLogHandler(io.Discard, slog.LevelDebug)),
	}
}

func (s *stubInteractionHandler) Respond(_ context.Context, i *discordgo.InteractionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respondErr != nil {
		return s.respondErr
	}
	s.responses = append(s.responses, i)
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	msg := &discordgo.Message{ID: newTestSnowflake()}
	if e.Content != nil {
		msg.Content = *e.Content
	}
	return msg, nil
}

func (s *stubInteractionHandler) Delete(context.Context, ...discordgo.RequestOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (*stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

// replyContent returns the content of the final answer: the last edit
// of a deferred response, or else the last response sent
func (s *stubInteractionHandler) replyContent(t testing.TB) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.edits); n > 0 {
		if s.edits[n-1].Content == nil {
			return ""
		}
		return *s.edits[n-1].Content
	}
	require.NotEmpty(t, s.responses, "no response sent")
	resp := s.responses[len(s.responses)-1]
	if resp.Data == nil {
		return ""
	}
	return resp.Data.Content
}

// replyEmbeds returns the embeds of the final answer
func (s *stubInteractionHandler) replyEmbeds(t testing.TB) []*discordgo.MessageEmbed {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.edits); n > 0 {
		if s.edits[n-1].Embeds == nil {
			return nil
		}
		return *s.edits[n-1].Embeds
	}
	require.NotEmpty(t, s.responses, "no response sent")
	return s.responses[len(s.responses)-1].Data.Embeds
}

// modal returns the modal opened in response, failing if none was
func (s *stubInteractionHandler) modal(t testing.TB) *discordgo.InteractionResponseData {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.responses {
		if r.Type == discordgo.InteractionResponseModal {
			return r.Data
		}
	}
	t.Fatalf("no modal response, got: %#v", s.responses)
	return nil
}

func (s *stubInteractionHandler) deferred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.responses {
		if r.Type == discordgo.InteractionResponseDeferredChannelMessageWithSource {
			return true
		}
	}
	return false
}

// handleTestInteraction runs i through the bot and returns the handler
// holding what was sent back
func handleTestInteraction(
	t testing.TB,
	v *Versize,
	i *discordgo.InteractionCreate,
) *stubInteractionHandler {
	t.Helper()
	handler := newStubInteractionHandler(i)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v.handleInteraction(ctx, handler)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timed out handling interaction")
	}
	return handler
}

type fakeSentMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type fakeThreadStart struct {
	ChannelID string
	MessageID string
	Thread    *discordgo.ThreadStart
	Message   *discordgo.MessageSend
}

type fakeChannelEdit struct {
	ChannelID string
	Data      *discordgo.ChannelEdit
}

// fakeDiscordSession implements DiscordSessionHandler in memory.
// Messages sent are kept so they can be fetched and edited.
type fakeDiscordSession struct {
	mu sync.Mutex

	channels map[string]*discordgo.Channel
	messages map[string]*discordgo.Message
	members  map[string]*discordgo.Member

	sent           []fakeSentMessage
	edits          []*discordgo.MessageEdit
	deletes        []string
	channelEdits   []fakeChannelEdit
	forumPosts     []fakeThreadStart
	messageThreads []fakeThreadStart
	statusUpdates  []discordgo.UpdateStatusData
	commands       []*discordgo.ApplicationCommand
	identify       discordgo.Identify
	opened         int
	closed         int

	// failing operations, by channel ID ("" fails every channel)
	sendErr   map[string]error
	forumErr  error
	threadErr error
	deleteErr error
	editErr   error
	bulkErr   error
}

func newFakeDiscordSession() *fakeDiscordSession {
	return &fakeDiscordSession{
		channels: map[string]*discordgo.Channel{},
		messages: map[string]*discordgo.Message{},
		members:  map[string]*discordgo.Member{},
		sendErr:  map[string]error{},
	}
}

func fakeMessageKey(channelID, messageID string) string {
	return channelID + "/" + messageID
}

func (f *fakeDiscordSession) addChannel(ch *discordgo.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
}

func (f *fakeDiscordSession) addMember(m *discordgo.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.User.ID] = m
}

func (f *fakeDiscordSession) failSend(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[channelID] = err
}

// sentTo returns the messages sent to channelID
func (f *fakeDiscordSession) sentTo(channelID string) []*discordgo.MessageSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rv []*discordgo.MessageSend
	for _, m := range f.sent {
		if m.ChannelID == channelID {
			rv = append(rv, m.Data)
		}
	}
	return rv
}

func (f *fakeDiscordSession) channelEditsFor(channelID string) []*discordgo.ChannelEdit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rv []*discordgo.ChannelEdit
	for _, e := range f.channelEdits {
		if e.ChannelID == channelID {
			rv = append(rv, e.Data)
		}
	}
	return rv
}

func (f *fakeDiscordSession) messageEdits() []*discordgo.MessageEdit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.MessageEdit(nil), f.edits...)
}

func (f *fakeDiscordSession) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeDiscordSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return nil
}

func (f *fakeDiscordSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (*fakeDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (f *fakeDiscordSession) SetIdentify(i discordgo.Identify) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identify = i
}

func (*fakeDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (*fakeDiscordSession) SetHTTPClient(*http.Client) {}

func (f *fakeDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, data)
	return nil
}

func (f *fakeDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		cmd := *c
		cmd.ID = newTestSnowflake()
		created = append(created, &cmd)
	}
	f.commands = created
	return created, nil
}

func (*fakeDiscordSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (*fakeDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg := &discordgo.Message{ID: newTestSnowflake()}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (*fakeDiscordSession) InteractionResponseDelete(*discordgo.Interaction, ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return f.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: content}, options...)
}

func (f *fakeDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.sendErr[channelID]; ok {
		return nil, err
	}
	if err, ok := f.sendErr[""]; ok {
		return nil, err
	}
	f.sent = append(f.sent, fakeSentMessage{ChannelID: channelID, Data: data})
	msg := &discordgo.Message{
		ID:         newTestSnowflake(),
		ChannelID:  channelID,
		Content:    data.Content,
		Embeds:     data.Embeds,
		Components: data.Components,
	}
	f.messages[fakeMessageKey(channelID, msg.ID)] = msg
	return msg, nil
}

func (f *fakeDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[fakeMessageKey(channelID, messageID)]
	if !ok {
		return nil, fmt.Errorf("message %s not found: %w", messageID, errFakeDiscord)
	}
	return msg, nil
}

func (f *fakeDiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.edits = append(f.edits, m)
	msg, ok := f.messages[fakeMessageKey(m.Channel, m.ID)]
	if !ok {
		msg = &discordgo.Message{ID: m.ID, ChannelID: m.Channel}
		f.messages[fakeMessageKey(m.Channel, m.ID)] = msg
	}
	if m.Embeds != nil {
		msg.Embeds = *m.Embeds
	}
	if m.Components != nil {
		msg.Components = *m.Components
	}
	return msg, nil
}

func (f *fakeDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, fakeMessageKey(channelID, messageID))
	delete(f.messages, fakeMessageKey(channelID, messageID))
	return nil
}

func (f *fakeDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s not found: %w", channelID, errFakeDiscord)
	}
	return ch, nil
}

func (f *fakeDiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelEdits = append(f.channelEdits, fakeChannelEdit{ChannelID: channelID, Data: data})
	ch, ok := f.channels[channelID]
	if !ok {
		ch = &discordgo.Channel{ID: channelID}
	}
	return ch, nil
}

func (f *fakeDiscordSession) ForumThreadStartComplex(
	channelID string,
	threadData *discordgo.ThreadStart,
	messageData *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forumErr != nil {
		return nil, f.forumErr
	}
	thread := &discordgo.Channel{
		ID:       newTestSnowflake(),
		Name:     threadData.Name,
		ParentID: channelID,
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}
	f.channels[thread.ID] = thread
	f.messages[fakeMessageKey(thread.ID, thread.ID)] = &discordgo.Message{
		ID:         thread.ID,
		ChannelID:  thread.ID,
		Embeds:     messageData.Embeds,
		Components: messageData.Components,
	}
	f.forumPosts = append(
		f.forumPosts,
		fakeThreadStart{ChannelID: channelID, Thread: threadData, Message: messageData},
	)
	return thread, nil
}

func (f *fakeDiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	thread := &discordgo.Channel{
		ID:       newTestSnowflake(),
		Name:     data.Name,
		ParentID: channelID,
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}
	f.channels[thread.ID] = thread
	f.messageThreads = append(
		f.messageThreads,
		fakeThreadStart{ChannelID: channelID, MessageID: messageID, Thread: data},
	)
	return thread, nil
}

func (f *fakeDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[userID]
	if !ok {
		return nil, fmt.Errorf("member %s not found: %w", userID, errFakeDiscord)
	}
	return m, nil
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestNew_InvalidPublicKey(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Discord.WebhookServer.PublicKey = "not-hex"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestInitRun_SeedsRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Channels.Audit = testAuditChannel
	cfg.AllowedRoles = []string{testReviewerRole, testOtherRole}
	v, _ := newTestVersizeWithConfig(t, cfg)

	var stored RuntimeConfig
	require.NoError(t, v.db.Last(&stored).Error)
	assert.Equal(t, testAuditChannel, stored.AuditChannelID)
	assert.Equal(t, RoleList{testReviewerRole, testOtherRole}, stored.AllowedRoles)
	assert.True(t, stored.DiscordGatewayEnabled)

	// a second start loads the existing row rather than seeding again
	state, err := loadRuntimeConfig(context.Background(), v.db, v.writeDB, cfg)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, state.ID)

	var count int64
	require.NoError(t, v.db.Model(&RuntimeConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRefreshRuntimeConfig(t *testing.T) {
	t.Parallel()
	v, session := newTestVersize(t)
	ctx := context.Background()

	current := v.RuntimeConfig()
	_, err := v.writeDB.Updates(
		ctx, &current, map[string]any{
			"paused":                true,
			"discord_custom_status": "перерыв",
			"log_level":             DBLogLevelDebug,
		},
	)
	require.NoError(t, err)

	v.refreshRuntimeConfig(ctx, true)

	assert.True(t, v.paused.Load())
	assert.Equal(t, "перерыв", v.RuntimeConfig().DiscordCustomStatus)
	assert.Equal(t, slog.LevelDebug, v.config.LogLevel.Level())

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.statusUpdates, 1)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), session.statusUpdates[0].Status)
}

func TestRefreshRuntimeConfig_GatewayToggle(t *testing.T) {
	t.Parallel()
	v, session := newTestVersize(t)
	ctx := context.Background()

	current := v.RuntimeConfig()
	_, err := v.writeDB.Updates(ctx, &current, map[string]any{"discord_gateway_enabled": false})
	require.NoError(t, err)
	v.refreshRuntimeConfig(ctx, true)
	assert.False(t, v.RuntimeConfig().DiscordGatewayEnabled)

	current = v.RuntimeConfig()
	_, err = v.writeDB.Updates(ctx, &current, map[string]any{"discord_gateway_enabled": true})
	require.NoError(t, err)
	v.refreshRuntimeConfig(ctx, true)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, 1, session.closed)
	assert.Equal(t, 1, session.opened)
	assert.Equal(t, v.config.Discord.GatewayIntents, session.identify.Intents)
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	v, _ := newTestVersize(t)
	ctx := WithLogger(context.Background(), slog.New(newLogHandler(io.Discard, slog.LevelDebug)))

	for _, rc := range []any{errors.New("boom"), "boom", 42} {
		assert.NotPanics(t, func() { v.handleRecover(ctx, rc) })
	}
}

func TestShutdown_ClosesTokenStore(t *testing.T) {
	t.Parallel()
	v, session := newTestVersize(t)
	store := &closeTrackingTokenStore{TokenStore: NewMemoryTokenStore()}
	v.tokenStore = store
	v.api.httpServer = nil

	err := v.shutdown(context.Background(), &sync.WaitGroup{})
	require.NoError(t, err)
	assert.True(t, store.closed.Load())

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, 1, session.closed)
}

type closeTrackingTokenStore struct {
	TokenStore
	closed atomic.Bool
}

func (c *closeTrackingTokenStore) Close() error {
	c.closed.Store(true)
	return c.TokenStore.Close()
}
