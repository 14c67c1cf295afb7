// Package tgui builds Telegram HTML (parse mode "HTML") from plain strings.
// Values of type H are already escaped and safe to concatenate.
package tgui
