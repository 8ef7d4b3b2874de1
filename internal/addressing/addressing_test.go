package addressing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMentionedBotByAppID(t *testing.T) {
	mentions := []Mention{{AppID: "cli_123", Name: "助手"}}
	assert.True(t, MentionedBot(mentions, "hello", "cli_123", "助手"))
}

func TestMentionedBotByName(t *testing.T) {
	mentions := []Mention{{AppID: "", Name: "助手"}}
	assert.True(t, MentionedBot(mentions, "hello", "cli_123", "助手"))
}

func TestMentionedBotByRawAtText(t *testing.T) {
	assert.True(t, MentionedBot(nil, "@助手 你好", "cli_123", "助手"))
}

func TestMentionedBotFalse(t *testing.T) {
	mentions := []Mention{{AppID: "cli_other", Name: "张三"}}
	assert.False(t, MentionedBot(mentions, "hello", "cli_123", "助手"))
}

func TestMentionsSomeoneElse(t *testing.T) {
	mentions := []Mention{{AppID: "cli_other", Name: "张三"}}
	assert.True(t, MentionsSomeoneElse(mentions, "hello", "cli_123", "助手"))
}

func TestMentionsSomeoneElseFalseWhenEmpty(t *testing.T) {
	assert.False(t, MentionsSomeoneElse(nil, "hello", "cli_123", "助手"))
}

func TestMentionsSomeoneElseFalseWhenBotIncluded(t *testing.T) {
	mentions := []Mention{{AppID: "cli_123", Name: "助手"}, {AppID: "cli_other", Name: "张三"}}
	assert.False(t, MentionsSomeoneElse(mentions, "hello", "cli_123", "助手"))
}

func TestShouldZipReply(t *testing.T) {
	assert.True(t, ShouldZipReply("闭嘴"))
	assert.True(t, ShouldZipReply("你们聊，不用回复了"))
	assert.False(t, ShouldZipReply("今天天气不错"))
	assert.False(t, ShouldZipReply(""))
}

func TestEngageScoreClampedAndAccumulates(t *testing.T) {
	assert.Equal(t, 0.0, EngageScore("今天天气不错"))
	assert.InDelta(t, 0.4, EngageScore("这是怎么回事？"), 0.001)
	score := EngageScore("怎么 如何 为啥 为什么 怎么办 谁知道 有链接吗 总结 结论 进展 ?")
	assert.Equal(t, 1.0, score)
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("/settings threshold 0.5")
	assert.True(t, ok)
	assert.Equal(t, "settings", cmd.Name)
	assert.Equal(t, []string{"threshold", "0.5"}, cmd.Args)
}

func TestParseCommandNotACommand(t *testing.T) {
	_, ok := ParseCommand("just some text")
	assert.False(t, ok)
}

func TestParseCommandEmpty(t *testing.T) {
	_, ok := ParseCommand("   ")
	assert.False(t, ok)
}

func TestParseThresholdClamping(t *testing.T) {
	v, ok := ParseThreshold("1.5")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = ParseThreshold("-0.3")
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)

	v, ok = ParseThreshold("0.42")
	assert.True(t, ok)
	assert.Equal(t, 0.42, v)
}

func TestParseThresholdInvalid(t *testing.T) {
	_, ok := ParseThreshold("not-a-number")
	assert.False(t, ok)
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode("quiet"))
	assert.True(t, ValidMode("NORMAL"))
	assert.True(t, ValidMode("active"))
	assert.False(t, ValidMode("loud"))
}
