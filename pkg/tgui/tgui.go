package tgui

import (
	"fmt"

	tele "gopkg.in/telebot.v4"
)

// Inline builds an inline keyboard row by row. Callback data is checked
// against Telegram's limit as rows are added; the first violation is kept
// and reported by Err.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
	err  error
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	for _, b := range btn {
		if err := CheckData(b.Data); err != nil && i.err == nil {
			i.err = fmt.Errorf("button %q: %w", b.Text, err)
		}
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

func (i *Inline) Len() int { return len(i.rows) }

func (i *Inline) Err() error { return i.err }

// Markup returns the keyboard, or nil when no row was added.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rm
}

// Btn is a callback button carrying data verbatim. Build data with Data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}
