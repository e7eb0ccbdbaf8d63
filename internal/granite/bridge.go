package granite

// Object is a handle to a remote object. The zero value is the null reference.
type Object uint64

// ClassRef is a resolved remote class.
type ClassRef uint64

// MethodRef is a resolved remote method.
type MethodRef uint64

// Bridge is the foreign-function boundary to a Granite runtime.
//
// Values crossing Invoke are limited to string, int32, bool, []int32,
// []float32 and Object. Constructors are invoked with a null receiver.
// A failure raised by the remote side is returned as *Exception; any other
// error means the bridge itself failed.
type Bridge interface {
	Start(options []string) error
	FindClass(name string) (ClassRef, error)
	Method(class ClassRef, name, signature string, static bool) (MethodRef, error)
	Invoke(method MethodRef, recv Object, args ...any) (any, error)
	ClassName(obj Object) (string, error)
	Release(obj Object) error
}
