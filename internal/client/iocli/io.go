package iocli

//go:generate moq -out io_mock.go . IO

// IO терминал пользователя: вывод, построчный ввод и признак интерактивности
type IO interface {
	Println(a ...any)
	Printf(format string, a ...any)
	ReadInput(prompt string) (string, error)
	Write(p []byte) (n int, err error)
	IsTerminal() bool
}
