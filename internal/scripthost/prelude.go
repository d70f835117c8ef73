package scripthost

// prelude installs the identity tables and the __devchan bridge. Values
// cross the Go boundary as JSON-encoded tagged records:
//
//	u undefined, n null, b bool, i int32, d double (as text), s string,
//	o server object handle, j script object handle.
const prelude = `(function() {
	var objs = new Map();
	var ids = new Map();
	var stubs = new Map();
	var stubIds = new Map();

	function encode(v) {
		if (v === undefined) return {t: "u"};
		if (v === null) return {t: "n"};
		switch (typeof v) {
		case "boolean":
			return {t: "b", b: v};
		case "number":
			if (Number.isInteger(v) && v >= -2147483648 && v <= 2147483647 && !Object.is(v, -0)) {
				return {t: "i", n: v};
			}
			return {t: "d", s: String(v)};
		case "bigint":
			return {t: "d", s: String(Number(v))};
		case "string":
			return {t: "s", s: v};
		case "symbol":
			return {t: "s", s: v.toString()};
		}
		if (stubIds.has(v)) return {t: "o", n: stubIds.get(v)};
		var id = ids.get(v);
		if (id === undefined) {
			id = __devchan_expose();
			if (id < 0) throw new Error("devchan: cannot expose object");
			ids.set(v, id);
			objs.set(id, v);
		}
		return {t: "j", n: id};
	}

	function decode(w) {
		switch (w.t) {
		case "u": return undefined;
		case "n": return null;
		case "b": return !!w.b;
		case "i": return w.n || 0;
		case "d": return Number(w.s);
		case "s": return w.s || "";
		case "o":
			var stub = stubs.get(w.n);
			if (stub === undefined) {
				stub = Object.freeze({__serverRef: w.n});
				stubs.set(w.n, stub);
				stubIds.set(stub, w.n);
			}
			return stub;
		case "j":
			if (!objs.has(w.n)) throw new Error("devchan: unknown script object " + w.n);
			return objs.get(w.n);
		}
		throw new Error("devchan: bad value tag " + w.t);
	}

	function settle(raw) {
		var r = JSON.parse(raw);
		if (r.x) throw decode(r.v);
		return decode(r.v);
	}

	function refID(ref) {
		if (typeof ref === "number") return ref;
		var id = stubIds.get(ref);
		if (id === undefined) throw new TypeError("devchan: not a server object");
		return id;
	}

	function outcome(fn) {
		try {
			return JSON.stringify({x: false, v: encode(fn())});
		} catch (e) {
			return JSON.stringify({x: true, v: encode(e), m: String(e)});
		}
	}

	globalThis.__devchan_call = function(method, payload) {
		return outcome(function() {
			var fn = globalThis[method];
			if (typeof fn !== "function") throw "function " + method + " not found";
			var p = JSON.parse(payload);
			var self = decode(p.this);
			if (self === null || self === undefined) self = globalThis;
			return fn.apply(self, p.args.map(decode));
		});
	};

	globalThis.__devchan_run = function(src) {
		return outcome(function() { return (0, eval)(src); });
	};

	globalThis.__devchan_free = function(list) {
		JSON.parse(list).forEach(function(id) {
			var v = objs.get(id);
			objs.delete(id);
			if (v !== undefined && ids.get(v) === id) ids.delete(v);
		});
	};

	globalThis.__devchan_live = function() { return objs.size; };

	globalThis.__devchan = Object.freeze({
		invoke: function(dispatchID, self) {
			var args = Array.prototype.slice.call(arguments, 2);
			return settle(__devchan_invoke(dispatchID, JSON.stringify({this: encode(self), args: args.map(encode)})));
		},
		get: function(ref, dispatchID) {
			return settle(__devchan_get(refID(ref), dispatchID));
		},
		set: function(ref, dispatchID, value) {
			settle(__devchan_set(refID(ref), dispatchID, JSON.stringify(encode(value))));
		},
		release: function(stub) {
			var id = refID(stub);
			stubs.delete(id);
			stubIds.delete(stub);
			__devchan_release(id);
		},
		isServerRef: function(v) { return stubIds.has(v); }
	});
})()`
