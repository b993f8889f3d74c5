package ai

import (
	"strings"
	"unicode"

	"github.com/go-ego/gse"
)

// wordSmoother 把后端吐出的任意粒度文本增量整形为按词边界的增量
// 只做合并与切分，不重排: 输出拼接起来与输入完全一致。
// 中日韩文本用 gse 分词找词边界，其余按空白切分。
type wordSmoother struct {
	segmenter *gse.Segmenter
	buf       string
}

// newWordSmoother 创建词边界平滑器
func newWordSmoother() *wordSmoother {
	segmenter, err := gse.New()
	if err != nil {
		// 分词器初始化失败时降级到空白切分
		return &wordSmoother{}
	}
	return &wordSmoother{segmenter: &segmenter}
}

// feed 输入一个文本增量，返回可以安全发出的词粒度增量
// 末尾可能尚未完整的词保留在缓冲区，待后续输入或 flush
func (w *wordSmoother) feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	w.buf += chunk

	words := w.split(w.buf)
	if len(words) <= 1 {
		return nil
	}

	// 最后一个词可能还会被后续输入延长，先扣下
	out := words[:len(words)-1]
	w.buf = words[len(words)-1]
	return out
}

// flush 流结束时吐出缓冲区残留
func (w *wordSmoother) flush() []string {
	if w.buf == "" {
		return nil
	}
	out := w.buf
	w.buf = ""
	return []string{out}
}

// split 把文本切成保留原文的词序列
func (w *wordSmoother) split(text string) []string {
	if containsCJK(text) && w.segmenter != nil {
		return w.segmenter.Cut(text, false)
	}
	return splitAfterSpace(text)
}

// splitAfterSpace 按空白切分，空白附着在前一个词之后，保证无损拼接
func splitAfterSpace(text string) []string {
	var words []string
	var cur strings.Builder
	prevSpace := false
	for _, r := range text {
		isSpace := unicode.IsSpace(r)
		if prevSpace && !isSpace && cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
		prevSpace = isSpace
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

// containsCJK 判断文本是否含中日韩字符
func containsCJK(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
