package versize

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	require.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple password", "password123"},
		{"Complex password", "C0mpl3x!P@ssw0rd"},
		{"Empty password", ""},
		{"Unicode password", "пароль123"},
		{"Very long password", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := VerifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = VerifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	invalidHashes := []string{
		"not a valid hash",
		"$bcrypt$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=4$invalid!base64$c29tZWhhc2g",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g=",
	}

	for _, invalidHash := range invalidHashes {
		t.Run(
			invalidHash, func(t *testing.T) {
				_, err := VerifyPassword(invalidHash, "anypassword")
				if err == nil {
					t.Errorf("VerifyPassword should have failed for invalid hash: %s", invalidHash)
				}
			},
		)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	password := "samepassword"
	hash1, err := HashPassword(password)
	require.NoError(t, err)
	hash2, err := HashPassword(password)
	require.NoError(t, err)

	if hash1 == hash2 {
		t.Errorf("HashPassword should generate unique hashes for the same password")
	}
}

func BenchmarkHashPassword(b *testing.B) {
	password := "benchmark_password"
	for i := 0; i < b.N; i++ {
		if _, err := HashPassword(password); err != nil {
			b.Fatalf("HashPassword failed: %v", err)
		}
	}
}

func TestDeriveSessionKeys(t *testing.T) {
	t.Parallel()
	hashKey, blockKey, err := deriveSessionKeys("secret")
	require.NoError(t, err)
	assert.Len(t, hashKey, 64)
	assert.Len(t, blockKey, 32)
	assert.NotEqual(t, hashKey[:32], blockKey)

	again, _, err := deriveSessionKeys("secret")
	require.NoError(t, err)
	assert.Equal(t, hashKey, again)

	other, _, err := deriveSessionKeys("another secret")
	require.NoError(t, err)
	assert.NotEqual(t, hashKey, other)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"привет мир", 6, "привет"},
		{"", 3, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, truncate(tc.input, tc.n), tc.input)
	}
}

func TestChunkItems(t *testing.T) {
	tests := []struct {
		name           string
		maxRowLength   int
		items          []int
		expectedResult [][]int
	}{
		{
			name:           "exactly divisible",
			maxRowLength:   3,
			items:          []int{1, 2, 3, 4, 5, 6, 7, 8, 9},
			expectedResult: [][]int{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
		},
		{
			name:           "not exactly divisible",
			maxRowLength:   4,
			items:          []int{1, 2, 3, 4, 5, 6, 7},
			expectedResult: [][]int{{1, 2, 3, 4}, {5, 6, 7}},
		},
		{
			name:           "single item per row",
			maxRowLength:   1,
			items:          []int{1, 2, 3},
			expectedResult: [][]int{{1}, {2}, {3}},
		},
		{
			name:           "max row length greater than items",
			maxRowLength:   5,
			items:          []int{1, 2, 3},
			expectedResult: [][]int{{1, 2, 3}},
		},
		{
			name:         "no items",
			maxRowLength: 5,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				result := chunkItems(tt.maxRowLength, tt.items...)
				if !reflect.DeepEqual(result, tt.expectedResult) {
					t.Errorf("expected %#v, got %#v", tt.expectedResult, result)
				}
			},
		)
	}
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()
	got, err := parseHexColor("#7b68ee")
	require.NoError(t, err)
	assert.Equal(t, 0x7b68ee, got)

	got, err = parseHexColor("FFFFFF")
	require.NoError(t, err)
	assert.Equal(t, 0xffffff, got)

	for _, bad := range []string{"", "#", "#12345", "#1234567", "zzzzzz"} {
		_, err = parseHexColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestGenerateRandomHexString(t *testing.T) {
	length := 32
	s, err := generateRandomHexString(length)
	require.NoError(t, err)
	assert.Len(t, s, length)

	other, err := generateRandomHexString(length)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	odd, err := generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, odd, 8)
}

func TestMentions(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<@123>", userMention("123"))
	assert.Equal(t, "<@&456>", roleMention("456"))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Level string `json:"level"`
	}
	type sample struct {
		Name     string   `json:"name"`
		Secret   string   `json:"secret" log:"[redacted]"`
		Empty    string   `json:"empty"`
		Roles    []string `json:"roles"`
		Inner    *inner   `json:"inner"`
		Missing  *inner   `json:"missing"`
		NoTag    int
		unexport string
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info(
		"sample",
		"value", structToSlogValue(
			sample{
				Name:     "versize",
				Secret:   "hunter2",
				Roles:    []string{"1"},
				Inner:    &inner{Level: "INFO"},
				NoTag:    7,
				unexport: "x",
			},
		),
	)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	value, ok := record["value"].(map[string]any)
	require.True(t, ok, buf.String())

	assert.Equal(t, "versize", value["name"])
	assert.Equal(t, "[redacted]", value["secret"])
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, value, "empty")
	assert.NotContains(t, value, "missing")
	assert.NotContains(t, value, "unexport")
	assert.Equal(t, map[string]any{"level": "INFO"}, value["inner"])
	assert.InDelta(t, 7, value["NoTag"], 0)

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*sample)(nil)))
	assert.Equal(t, slog.AnyValue(42), structToSlogValue(42))
}

func TestDiscordInteractionOptions(t *testing.T) {
	t.Parallel()

	i := newSlashCommandInteraction(
		nil, testPanelChannel, DiscordSlashCommandAudit,
		userOption("author", "1"),
		stringOption("action", "warn"),
	)
	subcommand, opts := discordInteractionOptions(i)
	assert.Empty(t, subcommand)
	require.Len(t, opts, 2)
	assert.Equal(t, "warn", opts["action"].StringValue())

	i = newSlashCommandInteraction(
		nil, testPanelChannel, DiscordSlashCommandBlacklist,
		subcommandOption("remove", stringOption("static", "12345")),
	)
	subcommand, opts = discordInteractionOptions(i)
	assert.Equal(t, "remove", subcommand)
	require.Len(t, opts, 1)
	assert.Equal(t, "12345", opts["static"].StringValue())
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	member := newReviewerMember(t)
	i := newSlashCommandInteraction(member, testPanelChannel, DiscordSlashCommandEmbed)
	assert.Same(t, member.User, getDiscordUser(i))

	dm := &discordgo.User{ID: "1"}
	i.Member = nil
	i.User = dm
	assert.Same(t, dm, getDiscordUser(i))

	i.User = nil
	assert.Nil(t, getDiscordUser(i))
}

func TestInteractionLogAttrs(t *testing.T) {
	t.Parallel()
	i := newSlashCommandInteraction(nil, testPanelChannel, DiscordSlashCommandEmbed)
	attrs := interactionLogAttrs(*i)
	assert.Contains(t, attrs, "channel_id")
	assert.Contains(t, attrs, testPanelChannel)
	assert.Contains(t, attrs, "guild_id")
	assert.Contains(t, attrs, "app_id")

	i.GuildID = ""
	i.AppID = ""
	assert.NotContains(t, interactionLogAttrs(*i), "guild_id")
}
