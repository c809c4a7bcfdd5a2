// Package tgui provides small Telegram UI helpers:
//   - HTML escaping and formatting for ParseMode="HTML"
//   - Inline keyboard builders
//   - Callback data helpers (prefix:action:payload) bounded by Telegram limits
package tgui
