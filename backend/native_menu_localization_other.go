//go:build !darwin

package backend

// ネイティブメニューの言語切り替えはmacOSのみ対応
func localizeNativeMenu(locale string) {}
