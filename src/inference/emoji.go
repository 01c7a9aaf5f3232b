package inference

import (
	"fmt"

	"github.com/enescakir/emoji"
)

var emojiToAliasMap map[string]string

func init() {
	aliasToEmojiMap := emoji.Map()
	emojiToAliasMap = make(map[string]string, len(aliasToEmojiMap))
	for alias, e := range aliasToEmojiMap {
		emojiToAliasMap[e] = alias
	}
}

// EmojiAlias returns the ":alias:" name of an emoji, or the input unchanged
// when it is not a known emoji. With keepEmoji the alias is appended after
// the emoji instead of replacing it, which is what the generation console
// renders.
func EmojiAlias(potentialEmoji string, keepEmoji bool) string {
	alias, ok := emojiToAliasMap[potentialEmoji]
	if !ok {
		return potentialEmoji
	}
	if keepEmoji {
		return fmt.Sprintf("%s[%s]", potentialEmoji, alias)
	}
	return alias
}
