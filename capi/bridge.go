package main

/*
#include "ds_runtime.h"

// Completion callbacks arrive as C function pointers; Go cannot call
// them directly, so this trampoline does.
static void ds_invoke_callback(ds_completion_callback cb, ds_request* request, void* user_data) {
	if (cb != NULL) {
		cb(request, user_data);
	}
}
*/
import "C"
import "unsafe"

func invokeCallback(cb C.ds_completion_callback, req *C.ds_request, userData unsafe.Pointer) {
	C.ds_invoke_callback(cb, req, userData)
}
