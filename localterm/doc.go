// Package localterm is the terminal backend for a directly attached
// device: it wraps the OS terminal attribute API and maps the abstract
// configuration 1:1 onto termios. Baud rates outside the standard table
// go through the Linux termios2 interface.
package localterm
