// Package tgui holds small helpers for Telegram HTML parse mode: escaping,
// inline tags and rune-safe truncation.
package tgui
